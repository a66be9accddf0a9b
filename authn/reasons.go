package authn

// Reason is the internal failure classification written to the attempt log.
// Reasons are never surfaced verbatim to the client; everything except the
// lockout state collapses to one generic message at the HTTP boundary.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonAccountNotFound  Reason = "account_not_found"
	ReasonAccountInactive  Reason = "account_inactive"
	ReasonAccountLocked    Reason = "account_locked"
	ReasonInvalidPIN       Reason = "invalid_pin"
	ReasonNoChallenge      Reason = "no_challenge"
	ReasonChallengeExpired Reason = "challenge_expired"
	ReasonChallengeReused  Reason = "challenge_reused"
	ReasonFileTooLarge     Reason = "file_too_large"
	ReasonMalformedAudio   Reason = "malformed_audio"
	ReasonEmbeddingFailed  Reason = "embedding_failed"
	ReasonVoiceMismatch    Reason = "voice_mismatch"
)
