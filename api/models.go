package api

// RegisterResponse is returned from POST /auth/register.
type RegisterResponse struct {
	Username string `json:"username"`
	Samples  int    `json:"samples"`
}

// ChallengeRequest is the JSON body for POST /auth/challenge.
type ChallengeRequest struct {
	Username string `json:"username"`
	PIN      string `json:"pin"`
}

// ChallengeResponse is returned from POST /auth/challenge. The client must
// speak the phrase back before expires_at.
type ChallengeResponse struct {
	Phrase    string `json:"phrase"`
	ExpiresAt string `json:"expires_at"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	Token      string  `json:"token"`
	TokenType  string  `json:"token_type"`
	Role       string  `json:"role"`
	Similarity float64 `json:"similarity"`
}

// MeResponse is returned from GET /auth/me.
type MeResponse struct {
	Username    string  `json:"username"`
	Role        string  `json:"role"`
	LastLoginAt *string `json:"last_login_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// AttemptRecord is one entry in the admin attempt log.
type AttemptRecord struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	AccountExists bool   `json:"account_exists"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason"`
	ClientIP      string `json:"client_ip"`
	CreatedAt     string `json:"created_at"`
}

// AttemptsResponse is returned from GET /admin/attempts.
type AttemptsResponse struct {
	Attempts []AttemptRecord `json:"attempts"`
}

// ErrorResponse is returned for all error cases. LockedUntil is set only
// when the account is locked out.
type ErrorResponse struct {
	Error       string `json:"error"`
	LockedUntil string `json:"locked_until,omitempty"`
}
