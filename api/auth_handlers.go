package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/jmcleod/voicegate/authn"
	"github.com/jmcleod/voicegate/voice"
)

const (
	// audioFileField is the multipart field carrying voice samples.
	audioFileField = "audio_file"

	// maxRegisterBody bounds the whole enrollment request: up to three
	// samples at the per-file ceiling, plus form overhead.
	maxRegisterBody = 3*voice.MaxUploadBytes + 1<<20
	// maxLoginBody bounds a login request: one sample plus form overhead.
	maxLoginBody = voice.MaxUploadBytes + 1<<20

	// multipartMemory is how much of a parsed form is held in memory
	// before spilling to temp files.
	multipartMemory = 4 << 20

	defaultAttemptsLimit = 50
	maxAttemptsLimit     = 500
)

// Register handles POST /auth/register. The body is multipart form data
// with username, pin, and one to three audio_file parts.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)

	if blocked, retryAfter := a.regLimiter.check(clientIP); blocked {
		a.audit.log(AuditRegisterRateLimited, r)
		writeRateLimited(w, retryAfter)
		return
	}
	a.regLimiter.record(clientIP)

	r.Body = http.MaxBytesReader(w, r.Body, maxRegisterBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	username := r.FormValue("username")
	pin := r.FormValue("pin")
	samples, err := readAudioParts(r.MultipartForm.File[audioFileField])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := a.svc.Register(r.Context(), username, pin, samples)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditRegister, r, account.Username,
		slog.Int("samples", len(samples)))
	writeJSON(w, http.StatusCreated, RegisterResponse{
		Username: account.Username,
		Samples:  len(samples),
	})
}

// Challenge handles POST /auth/challenge. A correct username and PIN earn
// a one-time phrase the caller must speak back within the challenge window.
func (a *API) Challenge(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if a.preLoginBlocked(w, r, clientIP) {
		return
	}

	var req ChallengeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ch, err := a.svc.IssueChallenge(r.Context(), req.Username, req.PIN, clientIP)
	if err != nil {
		a.recordAuthFailure(r, req.Username, clientIP, err)
		mapError(w, err)
		return
	}

	a.audit.logUser(AuditChallengeIssued, r, ch.Username)
	writeJSON(w, http.StatusOK, ChallengeResponse{
		Phrase:    ch.Phrase,
		ExpiresAt: ch.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Login handles POST /auth/login. The body is multipart form data with
// username, pin, and a single audio_file part answering the live challenge.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if a.preLoginBlocked(w, r, clientIP) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	username := r.FormValue("username")
	files := r.MultipartForm.File[audioFileField]
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one audio_file is required")
		return
	}
	samples, err := readAudioParts(files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Login(r.Context(), authn.LoginInput{
		Username: username,
		PIN:      r.FormValue("pin"),
		Audio:    samples[0],
		ClientIP: clientIP,
	})
	if err != nil {
		a.recordAuthFailure(r, username, clientIP, err)
		mapError(w, err)
		return
	}

	a.loginLimiter.recordSuccess(clientIP)
	a.audit.logUser(AuditLoginSuccess, r, username)
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:      res.Token,
		TokenType:  "Bearer",
		Role:       res.Role,
		Similarity: res.Similarity,
	})
}

// Me handles GET /auth/me for an authenticated caller.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	account, err := a.svc.GetAccount(r.Context(), claims.Subject)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := MeResponse{
		Username:  account.Username,
		Role:      account.Role,
		CreatedAt: account.CreatedAt.UTC().Format(time.RFC3339),
	}
	if account.LastLoginAt != nil {
		s := account.LastLoginAt.UTC().Format(time.RFC3339)
		resp.LastLoginAt = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAttempts handles GET /admin/attempts, newest first.
func (a *API) ListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAttemptsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxAttemptsLimit {
		limit = maxAttemptsLimit
	}

	attempts, err := a.svc.Attempts(r.Context(), limit)
	if err != nil {
		mapError(w, err)
		return
	}

	records := make([]AttemptRecord, len(attempts))
	for i, at := range attempts {
		records[i] = AttemptRecord{
			ID:            at.ID,
			Username:      at.Username,
			AccountExists: at.AccountExists,
			Success:       at.Success,
			Reason:        at.Reason,
			ClientIP:      at.ClientIP,
			CreatedAt:     at.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	claims := claimsFromContext(r.Context())
	a.audit.logUser(AuditAttemptsViewed, r, claims.Subject,
		slog.Int("count", len(records)))
	writeJSON(w, http.StatusOK, AttemptsResponse{Attempts: records})
}

// preLoginBlocked applies the perimeter limiters shared by the challenge
// and login endpoints.
func (a *API) preLoginBlocked(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.log(AuditLoginRateLimited, r)
		writeRateLimited(w, retryAfter)
		return true
	}
	if blocked, retryAfter := a.loginLimiter.check(clientIP); blocked {
		a.audit.log(AuditLoginRateLimited, r)
		writeRateLimited(w, retryAfter)
		return true
	}
	return false
}

// recordAuthFailure feeds the perimeter limiters and the audit stream after
// a failed challenge or login. Lockout responses count too: a locked-out
// caller hammering the endpoint is exactly who the IP limiter is for.
func (a *API) recordAuthFailure(r *http.Request, username, clientIP string, err error) {
	var verr *authn.ValidationError
	if errors.As(err, &verr) {
		return
	}

	a.loginLimiter.recordFailure(clientIP)
	a.globalLimiter.recordFailure()

	event := AuditLoginFailure
	var locked *authn.LockedError
	if errors.As(err, &locked) {
		event = AuditLoginLocked
	}
	a.audit.logUser(event, r, username)
}

func readAudioParts(headers []*multipart.FileHeader) ([][]byte, error) {
	samples := make([][]byte, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, errors.New("unreadable audio upload")
		}
		data, err := io.ReadAll(io.LimitReader(f, voice.MaxUploadBytes+1))
		f.Close()
		if err != nil {
			return nil, errors.New("unreadable audio upload")
		}
		samples = append(samples, data)
	}
	return samples, nil
}
