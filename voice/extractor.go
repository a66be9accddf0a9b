package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// DefaultEmbeddingDim matches the ECAPA-style speaker models commonly served
// behind the extraction endpoint. The configured value must match the model.
const DefaultEmbeddingDim = 192

// Embedding is a fixed-length speaker representation.
type Embedding []float32

// Extractor produces a speaker embedding from a canonical clip. The model
// itself lives behind this seam; anti-spoofing or enhancement gates would
// slot in as wrapping implementations.
type Extractor interface {
	Extract(ctx context.Context, clip *Clip) (Embedding, error)
}

// HTTPExtractor calls an external model-serving endpoint. The clip is posted
// as a canonical WAV body; the response is {"embedding": [..]}.
type HTTPExtractor struct {
	endpoint string
	dim      int
	client   *http.Client
}

var _ Extractor = (*HTTPExtractor)(nil)

// NewHTTPExtractor creates an extractor for the given endpoint. dim of 0
// selects DefaultEmbeddingDim.
func NewHTTPExtractor(endpoint string, dim int) *HTTPExtractor {
	if dim == 0 {
		dim = DefaultEmbeddingDim
	}
	return &HTTPExtractor{
		endpoint: endpoint,
		dim:      dim,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type extractResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPExtractor) Extract(ctx context.Context, clip *Clip) (Embedding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint,
		bytes.NewReader(EncodeWAV(clip)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding model returned %d: %s", resp.StatusCode, body)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	if len(out.Embedding) != e.dim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(out.Embedding), e.dim)
	}
	return Embedding(out.Embedding), nil
}

// MarshalBinary serializes the embedding as little-endian float32 words,
// the plaintext form sealed into a storage envelope.
func (e Embedding) MarshalBinary() ([]byte, error) {
	out := make([]byte, 4*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out, nil
}

// UnmarshalEmbedding reverses MarshalBinary.
func UnmarshalEmbedding(data []byte) (Embedding, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(data))
	}
	e := make(Embedding, len(data)/4)
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return e, nil
}
