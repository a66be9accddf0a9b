package authn

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/voicegate/auth"
	"github.com/jmcleod/voicegate/internal/util"
	"github.com/jmcleod/voicegate/keyring"
	"github.com/jmcleod/voicegate/storage"
	"github.com/jmcleod/voicegate/storage/memory"
	"github.com/jmcleod/voicegate/voice"
)

// fakeExtractor returns a fixed embedding, switchable between calls so one
// test can enroll with one voice and log in with another.
type fakeExtractor struct {
	mu  sync.Mutex
	emb voice.Embedding
	err error
}

func (f *fakeExtractor) Extract(_ context.Context, _ *voice.Clip) (voice.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append(voice.Embedding(nil), f.emb...), nil
}

func (f *fakeExtractor) set(emb voice.Embedding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emb = emb
	f.err = nil
}

func (f *fakeExtractor) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// clock is a settable time source shared with the service under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func baseEmb() voice.Embedding {
	return voice.Embedding{1, 0}
}

// onesEmb returns a 16-dim vector with the first k elements set to one.
// Against onesEmb(16) the cosine is exactly k/(4*sqrt(k)), which puts
// onesEmb(9) precisely on the 0.75 acceptance bar.
func onesEmb(k int) voice.Embedding {
	v := make(voice.Embedding, 16)
	for i := 0; i < k; i++ {
		v[i] = 1
	}
	return v
}

// testWAV is a minimal valid mono PCM16 clip.
func testWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]float32, voice.CanonicalRate/2)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / voice.CanonicalRate))
	}
	return voice.EncodeWAV(&voice.Clip{Samples: samples, Rate: voice.CanonicalRate})
}

type fixture struct {
	svc       *Service
	repo      *memory.Store
	extractor *fakeExtractor
	clock     *clock
	wav       []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	raw, err := util.NewAESKey()
	require.NoError(t, err)
	keys, err := keyring.FromBytes(raw)
	require.NoError(t, err)
	tokens, err := auth.NewIssuer([]byte("test-jwt-secret"), time.Hour)
	require.NoError(t, err)

	clk := newClock()
	ext := &fakeExtractor{emb: baseEmb()}
	repo := memory.NewRepository()
	svc := NewService(repo, ext, keys, tokens, DefaultConfig(), WithClock(clk.Now))
	return &fixture{svc: svc, repo: repo, extractor: ext, clock: clk, wav: testWAV(t)}
}

func (f *fixture) register(t *testing.T, username, pin string) {
	t.Helper()
	_, err := f.svc.Register(context.Background(), username, pin, [][]byte{f.wav})
	require.NoError(t, err)
}

func (f *fixture) challenge(t *testing.T, username, pin string) *storage.Challenge {
	t.Helper()
	ch, err := f.svc.IssueChallenge(context.Background(), username, pin, "10.0.0.1")
	require.NoError(t, err)
	return ch
}

func (f *fixture) login(username, pin string) (*LoginResult, error) {
	return f.svc.Login(context.Background(), LoginInput{
		Username: username,
		PIN:      pin,
		Audio:    f.wav,
		ClientIP: "10.0.0.1",
	})
}

func (f *fixture) lastAttempt(t *testing.T) storage.LoginAttempt {
	t.Helper()
	attempts, err := f.repo.ListAttempts(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, attempts)
	return attempts[0]
}

func TestFullFlow(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")

	ch := f.challenge(t, "alice", "1234")
	assert.NotEmpty(t, ch.Phrase)
	assert.Equal(t, 5*time.Minute, ch.ExpiresAt.Sub(ch.CreatedAt))

	res, err := f.login("alice", "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, storage.RoleUser, res.Role)
	assert.InDelta(t, 1.0, res.Similarity, 1e-6)

	acc, err := f.repo.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, acc.FailedAttempts)
	require.NotNil(t, acc.LastLoginAt)

	last := f.lastAttempt(t)
	assert.True(t, last.Success)
	assert.Equal(t, string(ReasonOK), last.Reason)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)

	var verr *ValidationError

	_, err := f.svc.Register(context.Background(), "ab", "1234", [][]byte{f.wav})
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.Register(context.Background(), "alice", "12", [][]byte{f.wav})
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.Register(context.Background(), "alice", "abcd", [][]byte{f.wav})
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.Register(context.Background(), "alice", "1234", nil)
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.Register(context.Background(), "alice", "1234",
		[][]byte{f.wav, f.wav, f.wav, f.wav})
	require.ErrorAs(t, err, &verr)

	f.register(t, "alice", "1234")
	_, err = f.svc.Register(context.Background(), "alice", "1234", [][]byte{f.wav})
	require.ErrorAs(t, err, &verr)
}

func TestVoiceMismatchRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	f.extractor.set(voice.Embedding{0, 1}) // orthogonal to the enrolled voice
	_, err := f.login("alice", "1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonVoiceMismatch), f.lastAttempt(t).Reason)
}

func TestSimilarityThresholdBoundary(t *testing.T) {
	f := newFixture(t)
	f.extractor.set(onesEmb(16))
	f.register(t, "alice", "1234")

	// Exactly at the threshold authenticates: cosine is exactly 0.75.
	f.challenge(t, "alice", "1234")
	f.extractor.set(onesEmb(9))
	res, err := f.login("alice", "1234")
	require.NoError(t, err)
	assert.Equal(t, voice.DefaultThreshold, res.Similarity)

	// A hair below is rejected.
	f.challenge(t, "alice", "1234")
	justBelow := onesEmb(9)
	justBelow[0] = 0.99 // cosine ~0.749997
	f.extractor.set(justBelow)
	_, err = f.login("alice", "1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonVoiceMismatch), f.lastAttempt(t).Reason)
}

func TestPINTypoDoesNotBurnChallenge(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	_, err := f.login("alice", "9999")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonInvalidPIN), f.lastAttempt(t).Reason)

	// The same challenge is still answerable.
	res, err := f.login("alice", "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestChallengeSingleUse(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	_, err := f.login("alice", "1234")
	require.NoError(t, err)

	_, err = f.login("alice", "1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonChallengeReused), f.lastAttempt(t).Reason)
}

func TestConcurrentLoginsSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	const racers = 8
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		go func() {
			start.Wait()
			_, err := f.login("alice", "1234")
			results <- err
		}()
	}
	start.Done()

	var successes int
	for i := 0; i < racers; i++ {
		err := <-results
		if err == nil {
			successes++
			continue
		}
		// Losers see a generic failure, or the lockout their own
		// accumulated failures triggered.
		var locked *LockedError
		if !errors.Is(err, ErrInvalidCredentials) && !errors.As(err, &locked) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestChallengeExpiryBeatsMatchingVoice(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	f.clock.Advance(5*time.Minute + time.Second)

	_, err := f.login("alice", "1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonChallengeExpired), f.lastAttempt(t).Reason)
}

func TestLoginWithoutChallenge(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")

	_, err := f.login("alice", "1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonNoChallenge), f.lastAttempt(t).Reason)
}

func TestFreshChallengeReplacesLiveOne(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")

	first := f.challenge(t, "alice", "1234")
	second := f.challenge(t, "alice", "1234")
	assert.NotEqual(t, first.Phrase, second.Phrase)

	live, err := f.repo.GetChallenge(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, second.Phrase, live.Phrase)
}

func TestUnknownAccountIsGeneric(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.IssueChallenge(context.Background(), "nobody", "1234", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	last := f.lastAttempt(t)
	assert.False(t, last.AccountExists)
	assert.Equal(t, string(ReasonAccountNotFound), last.Reason)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	for i := 0; i < 5; i++ {
		_, err := f.login("alice", "0000")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Sixth attempt reports the lockout, even with correct credentials.
	_, err := f.login("alice", "1234")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), locked.Until)

	// The challenge endpoint is locked out too.
	_, err = f.svc.IssueChallenge(context.Background(), "alice", "1234", "10.0.0.1")
	require.ErrorAs(t, err, &locked)
}

func TestLockoutExpiresAndCounterResets(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	for i := 0; i < 5; i++ {
		_, _ = f.login("alice", "0000")
	}
	f.clock.Advance(15*time.Minute + time.Second)

	ch := f.challenge(t, "alice", "1234")
	assert.NotEmpty(t, ch.Phrase)

	res, err := f.login("alice", "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	acc, err := f.repo.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, acc.FailedAttempts)
	assert.Nil(t, acc.LockedUntil)
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	for i := 0; i < 4; i++ {
		_, _ = f.login("alice", "0000")
	}
	res, err := f.login("alice", "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)

	acc, err := f.repo.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, acc.FailedAttempts)
}

func TestPrecheckPINFailuresCountTowardLockout(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")

	for i := 0; i < 5; i++ {
		_, err := f.svc.IssueChallenge(context.Background(), "alice", "0000", "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	var locked *LockedError
	_, err := f.svc.IssueChallenge(context.Background(), "alice", "1234", "10.0.0.1")
	require.ErrorAs(t, err, &locked)
}

func TestMalformedAudioCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	_, err := f.svc.Login(context.Background(), LoginInput{
		Username: "alice",
		PIN:      "1234",
		Audio:    []byte("not audio at all"),
		ClientIP: "10.0.0.1",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, string(ReasonMalformedAudio), f.lastAttempt(t).Reason)

	// A decode failure must not consume the challenge.
	res, err := f.login("alice", "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestExtractorFailureIsGeneric(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	f.challenge(t, "alice", "1234")

	f.extractor.fail(errors.New("model endpoint unavailable"))
	_, err := f.login("alice", "1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonEmbeddingFailed), f.lastAttempt(t).Reason)
}

func TestInactiveAccountRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", "1234")
	require.NoError(t, f.repo.UpdateAccount(context.Background(), "alice", func(a *storage.Account) error {
		a.Active = false
		return nil
	}))

	_, err := f.svc.IssueChallenge(context.Background(), "alice", "1234", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, string(ReasonAccountInactive), f.lastAttempt(t).Reason)
}

func TestUsernameNormalization(t *testing.T) {
	f := newFixture(t)
	// Fullwidth compatibility characters fold to ASCII under NFKD.
	f.register(t, "ａｌｉｃｅ", "1234")

	// Lookup uses the same canonical form.
	ch := f.challenge(t, "alice", "1234")
	assert.Equal(t, "alice", ch.Username)
}
