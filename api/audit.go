package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegister            AuditEvent = "register"
	AuditChallengeIssued     AuditEvent = "challenge_issued"
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditLoginLocked         AuditEvent = "login_locked"
	AuditLoginRateLimited    AuditEvent = "login_rate_limited"
	AuditRegisterRateLimited AuditEvent = "register_rate_limited"
	AuditAttemptsViewed      AuditEvent = "attempts_viewed"
)

// auditLogger wraps slog.Logger for structured security audit logging. It
// complements the persistent attempt log in storage: the attempt log is the
// queryable record, this is the operational stream.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Usernames are safe here; raw
// PINs and audio never are.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logUser is a convenience for events tied to a username.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("username", username),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
