// Package authn implements the challenge-response voice authentication flow:
// credential pre-check, challenge issue, the ordered verification pipeline,
// session token issue, and the lockout/audit tracking around all of it.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/voicegate/auth"
	"github.com/jmcleod/voicegate/challenge"
	"github.com/jmcleod/voicegate/internal/util"
	"github.com/jmcleod/voicegate/keyring"
	"github.com/jmcleod/voicegate/storage"
	"github.com/jmcleod/voicegate/voice"
)

// Config carries the tunable limits of the flow.
type Config struct {
	ChallengeWindow      time.Duration
	MaxFailures          int
	LockoutDuration      time.Duration
	Threshold            float64
	MaxEnrollmentSamples int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChallengeWindow:      challenge.DefaultWindow,
		MaxFailures:          5,
		LockoutDuration:      15 * time.Minute,
		Threshold:            voice.DefaultThreshold,
		MaxEnrollmentSamples: 3,
	}
}

// Service orchestrates the authentication flow over a repository, an
// embedding extractor, the master key, and the token issuer.
type Service struct {
	repo      storage.Repository
	extractor voice.Extractor
	keys      *keyring.MasterKey
	tokens    *auth.Issuer
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests use it to step through
// challenge expiry and lockout windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a Service with the given configuration.
func NewService(repo storage.Repository, extractor voice.Extractor, keys *keyring.MasterKey,
	tokens *auth.Issuer, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		extractor: extractor,
		keys:      keys,
		tokens:    tokens,
		cfg:       cfg,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginResult is returned on a fully verified login.
type LoginResult struct {
	Token      string
	Role       string
	Similarity float64
}

// Register enrolls a new account. Every sample must decode and embed before
// anything is persisted; the account is created only after all enrollment
// voiceprints are sealed.
func (s *Service) Register(ctx context.Context, rawUsername, pin string, samples [][]byte) (*storage.Account, error) {
	username, err := NormalizeUsername(rawUsername)
	if err != nil {
		return nil, err
	}
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, validationf("at least one enrollment sample is required")
	}
	if len(samples) > s.cfg.MaxEnrollmentSamples {
		return nil, validationf("at most %d enrollment samples are accepted", s.cfg.MaxEnrollmentSamples)
	}

	embeddings := make([]voice.Embedding, 0, len(samples))
	for i, sample := range samples {
		clip, err := voice.Decode(sample)
		if err != nil {
			return nil, validationf("enrollment sample %d: %v", i+1, err)
		}
		emb, err := s.extractor.Extract(ctx, clip)
		if err != nil {
			return nil, fmt.Errorf("extracting enrollment embedding: %w", err)
		}
		embeddings = append(embeddings, emb)
	}

	envelopes := make([]storage.Envelope, len(embeddings))
	err = s.keys.Use(func(key []byte) error {
		for i, emb := range embeddings {
			plain, err := emb.MarshalBinary()
			if err != nil {
				return err
			}
			aad := voiceprintAAD(username, i)
			env, err := storage.SealRecord(key, plain, aad)
			util.WipeBytes(plain)
			if err != nil {
				return err
			}
			envelopes[i] = *env
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sealing voiceprints: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing pin: %w", err)
	}

	account := &storage.Account{
		Username:    username,
		PINHash:     string(hash),
		Role:        storage.RoleUser,
		Voiceprints: envelopes,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			return nil, validationf("username already taken")
		}
		return nil, err
	}
	return account, nil
}

// IssueChallenge runs the credential pre-check and, on success, issues a
// fresh challenge for the user, replacing any live one so at most one
// challenge can be answered at a time.
func (s *Service) IssueChallenge(ctx context.Context, rawUsername, pin, clientIP string) (*storage.Challenge, error) {
	username, err := NormalizeUsername(rawUsername)
	if err != nil {
		return nil, err
	}
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}

	if err := s.precheck(ctx, username, pin, clientIP); err != nil {
		return nil, err
	}

	phrase, err := challenge.NewPhrase()
	if err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	now := s.now().UTC()
	ch := &storage.Challenge{
		Username:  username,
		Phrase:    phrase,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeWindow),
	}
	if err := s.repo.PutChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}
	return ch, nil
}

// precheck verifies the account exists, is active, is not locked, and that
// the PIN matches. Wrong PINs count toward the lockout here too: the
// challenge endpoint would otherwise be a free PIN oracle.
func (s *Service) precheck(ctx context.Context, username, pin, clientIP string) error {
	account, err := s.loadAccount(ctx, username, clientIP)
	if err != nil {
		return err
	}
	if lockErr := s.checkLocked(ctx, account, clientIP); lockErr != nil {
		return lockErr
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PINHash), []byte(pin)) != nil {
		s.recordFailure(ctx, username, ReasonInvalidPIN, clientIP)
		return ErrInvalidCredentials
	}
	return nil
}

// LoginInput is one complete login submission.
type LoginInput struct {
	Username string
	PIN      string
	Audio    []byte
	ClientIP string
}

// Login executes the verification pipeline in order, short-circuiting on
// the first failure. Every terminal outcome writes exactly one attempt
// record. The challenge is consumed only after the PIN re-check passes and
// the audio decodes, so a PIN typo or a broken upload does not burn it.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username, err := NormalizeUsername(in.Username)
	if err != nil {
		return nil, err
	}
	if err := ValidatePIN(in.PIN); err != nil {
		return nil, err
	}

	account, err := s.loadAccount(ctx, username, in.ClientIP)
	if err != nil {
		return nil, err
	}
	if lockErr := s.checkLocked(ctx, account, in.ClientIP); lockErr != nil {
		return nil, lockErr
	}

	// Step 1: PIN re-check. The challenge endpoint can be called
	// independently of login, so the PIN is never assumed verified.
	if bcrypt.CompareHashAndPassword([]byte(account.PINHash), []byte(in.PIN)) != nil {
		s.recordFailure(ctx, username, ReasonInvalidPIN, in.ClientIP)
		return nil, ErrInvalidCredentials
	}

	// Step 2: the challenge must exist, be unused, and be unexpired. This
	// is a read-only check; consumption happens after the audio decodes.
	ch, err := s.repo.GetChallenge(ctx, username)
	switch {
	case errors.Is(err, storage.ErrNoChallenge):
		s.recordFailure(ctx, username, ReasonNoChallenge, in.ClientIP)
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, err
	case ch.Used:
		s.recordFailure(ctx, username, ReasonChallengeReused, in.ClientIP)
		return nil, ErrInvalidCredentials
	case ch.Expired(s.now()):
		s.recordFailure(ctx, username, ReasonChallengeExpired, in.ClientIP)
		return nil, ErrInvalidCredentials
	}

	// Step 3: canonicalize the audio. Runs without holding any account or
	// challenge lock; decode and inference are the slow parts of the flow.
	clip, err := voice.Decode(in.Audio)
	if err != nil {
		reason := ReasonMalformedAudio
		if errors.Is(err, voice.ErrFileTooLarge) {
			reason = ReasonFileTooLarge
		}
		s.recordFailure(ctx, username, reason, in.ClientIP)
		return nil, &ValidationError{Msg: err.Error()}
	}

	// Consume the challenge now that this submission is answerable. The
	// flip is atomic in the repository: of two racing submissions exactly
	// one proceeds past this point.
	if _, err := s.repo.ConsumeChallenge(ctx, username, s.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrChallengeUsed):
			s.recordFailure(ctx, username, ReasonChallengeReused, in.ClientIP)
			return nil, ErrInvalidCredentials
		case errors.Is(err, storage.ErrChallengeExpired):
			s.recordFailure(ctx, username, ReasonChallengeExpired, in.ClientIP)
			return nil, ErrInvalidCredentials
		case errors.Is(err, storage.ErrNoChallenge):
			s.recordFailure(ctx, username, ReasonNoChallenge, in.ClientIP)
			return nil, ErrInvalidCredentials
		default:
			return nil, err
		}
	}

	// Step 4: extract the live embedding.
	live, err := s.extractor.Extract(ctx, clip)
	if err != nil {
		s.log.Error("embedding extraction failed", "username", username, "error", err)
		s.recordFailure(ctx, username, ReasonEmbeddingFailed, in.ClientIP)
		return nil, ErrInvalidCredentials
	}

	// Step 5: best similarity against the sealed enrollment voiceprints.
	best, err := s.bestSimilarity(username, account.Voiceprints, live)
	if err != nil {
		return nil, err
	}
	if best < s.cfg.Threshold {
		s.recordFailure(ctx, username, ReasonVoiceMismatch, in.ClientIP)
		return nil, ErrInvalidCredentials
	}

	// Step 6: all factors verified.
	now := s.now().UTC()
	err = s.repo.UpdateAccount(ctx, username, func(a *storage.Account) error {
		a.FailedAttempts = 0
		a.LockedUntil = nil
		a.LastLoginAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(username, account.Role, now)
	if err != nil {
		return nil, fmt.Errorf("issuing session token: %w", err)
	}

	s.recordAttempt(ctx, username, true, true, ReasonOK, in.ClientIP)
	return &LoginResult{Token: token, Role: account.Role, Similarity: best}, nil
}

// Attempts returns recent login attempt records, newest first.
func (s *Service) Attempts(ctx context.Context, limit int) ([]storage.LoginAttempt, error) {
	return s.repo.ListAttempts(ctx, limit)
}

// GetAccount returns the stored account for a verified username.
func (s *Service) GetAccount(ctx context.Context, username string) (*storage.Account, error) {
	return s.repo.GetAccount(ctx, username)
}

func (s *Service) loadAccount(ctx context.Context, username, clientIP string) (*storage.Account, error) {
	account, err := s.repo.GetAccount(ctx, username)
	if errors.Is(err, storage.ErrAccountNotFound) {
		s.recordAttempt(ctx, username, false, false, ReasonAccountNotFound, clientIP)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !account.Active {
		s.recordAttempt(ctx, username, true, false, ReasonAccountInactive, clientIP)
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

// checkLocked enforces the lockout window. An expired lock is cleared (and
// the counter reset) before the rest of the pipeline runs.
func (s *Service) checkLocked(ctx context.Context, account *storage.Account, clientIP string) error {
	now := s.now()
	if account.Locked(now) {
		s.recordAttempt(ctx, account.Username, true, false, ReasonAccountLocked, clientIP)
		return &LockedError{Until: *account.LockedUntil}
	}
	if account.LockedUntil != nil {
		err := s.repo.UpdateAccount(ctx, account.Username, func(a *storage.Account) error {
			a.ClearExpiredLock(now)
			return nil
		})
		if err != nil {
			return err
		}
		account.ClearExpiredLock(now)
	}
	return nil
}

// recordFailure bumps the failure counter (locking the account at the
// threshold) and writes the attempt record. The increment is a single
// atomic read-modify-write in the repository, so two concurrent failures
// cannot both observe counter=4 and lose the locking transition.
func (s *Service) recordFailure(ctx context.Context, username string, reason Reason, clientIP string) {
	now := s.now().UTC()
	err := s.repo.UpdateAccount(ctx, username, func(a *storage.Account) error {
		a.ClearExpiredLock(now)
		a.FailedAttempts++
		if a.FailedAttempts >= s.cfg.MaxFailures {
			until := now.Add(s.cfg.LockoutDuration)
			a.LockedUntil = &until
		}
		return nil
	})
	if err != nil {
		s.log.Error("recording login failure", "username", username, "error", err)
	}
	s.recordAttempt(ctx, username, true, false, reason, clientIP)
}

// recordAttempt appends one audit record. A failed write is logged and
// swallowed: the audit trail degrades, the authentication result does not.
func (s *Service) recordAttempt(ctx context.Context, username string, exists, success bool, reason Reason, clientIP string) {
	attempt := &storage.LoginAttempt{
		ID:            uuid.New().String(),
		Username:      username,
		AccountExists: exists,
		Success:       success,
		Reason:        string(reason),
		ClientIP:      clientIP,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.AppendAttempt(ctx, attempt); err != nil {
		s.log.Error("writing login attempt record", "username", username, "error", err)
	}
}

func (s *Service) bestSimilarity(username string, prints []storage.Envelope, live voice.Embedding) (float64, error) {
	best := -1.0
	err := s.keys.Use(func(key []byte) error {
		for i := range prints {
			plain, err := storage.OpenRecord(key, &prints[i], voiceprintAAD(username, i))
			if err != nil {
				return fmt.Errorf("opening voiceprint %d: %w", i, err)
			}
			enrolled, err := voice.UnmarshalEmbedding(plain)
			util.WipeBytes(plain)
			if err != nil {
				return err
			}
			if sim := voice.CosineSimilarity(live, enrolled); sim > best {
				best = sim
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return best, nil
}

func voiceprintAAD(username string, index int) []byte {
	return []byte(fmt.Sprintf("voiceprint:%s:%d", username, index))
}
