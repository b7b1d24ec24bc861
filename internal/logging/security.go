// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// SecurityEvent is an authentication or authorization event emitted by
// the identity pool or the API gateway's authorizer.
type SecurityEvent struct {
	Event     string // e.g. "token_issued", "authz_denied", "login_failed"
	UserID    string
	Username  string
	SessionID string
	Provider  string // "local_user_pool", "api_key", "jwt"
	IPAddress string
	UserAgent string
	Success   bool
	Error     string
	Details   map[string]string
}

// SecurityLogger logs authentication/authorization events with automatic
// sanitization of tokens, session IDs, and other sensitive fields.
type SecurityLogger struct {
	logger zerolog.Logger
}

func NewSecurityLogger() *SecurityLogger {
	return &SecurityLogger{logger: With().Str("component", "identity").Logger()}
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewSecurityLoggerWithLogger(logger zerolog.Logger) *SecurityLogger {
	return &SecurityLogger{logger: logger.With().Str("component", "identity").Logger()}
}

func (l *SecurityLogger) LogEvent(event *SecurityEvent) {
	e := l.logger.Info().Str("event", event.Event)
	if event.Success {
		e = e.Str("status", "success")
	} else {
		e = e.Str("status", "failed")
	}
	if event.UserID != "" {
		e = e.Str("user_id", SanitizeUserID(event.UserID))
	}
	if event.Username != "" {
		e = e.Str("username", SanitizeUsername(event.Username))
	}
	if event.SessionID != "" {
		e = e.Str("session_id", SanitizeSessionID(event.SessionID))
	}
	if event.Provider != "" {
		e = e.Str("provider", event.Provider)
	}
	if event.IPAddress != "" {
		e = e.Str("ip", event.IPAddress)
	}
	if event.UserAgent != "" {
		e = e.Str("user_agent", truncateString(event.UserAgent, 100))
	}
	if event.Error != "" && !event.Success {
		e = e.Str("error", SanitizeError(event.Error))
	}
	for k, v := range event.Details {
		e = e.Str(k, SanitizeValue(k, v))
	}
	e.Msg("")
}

func (l *SecurityLogger) Info(msg string, fields ...interface{}) {
	e := addFieldPairs(l.logger.Info(), fields)
	e.Msg(msg)
}

func (l *SecurityLogger) Warn(msg string, fields ...interface{}) {
	e := addFieldPairs(l.logger.Warn(), fields)
	e.Msg(msg)
}

func (l *SecurityLogger) Error(msg string, fields ...interface{}) {
	e := addFieldPairs(l.logger.Error(), fields)
	e.Msg(msg)
}

func addFieldPairs(e *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, fields[i+1])
	}
	return e
}

// LogTokenIssued logs a successful JWT issuance from the identity pool.
func (l *SecurityLogger) LogTokenIssued(userID, username, provider, ip string) {
	l.LogEvent(&SecurityEvent{
		Event: "token_issued", UserID: userID, Username: username,
		Provider: provider, IPAddress: ip, Success: true,
	})
}

// LogLoginFailure logs a failed local user-pool sign-in attempt.
func (l *SecurityLogger) LogLoginFailure(username, provider, ip, reason string) {
	l.LogEvent(&SecurityEvent{
		Event: "login_failed", Username: username, Provider: provider,
		IPAddress: ip, Success: false, Error: reason,
	})
}

// LogAuthzDenied logs an API gateway authorization denial.
func (l *SecurityLogger) LogAuthzDenied(userID, path, method, reason string) {
	l.LogEvent(&SecurityEvent{
		Event: "authz_denied", UserID: userID, Success: false, Error: reason,
		Details: map[string]string{"path": path, "method": method},
	})
}

// LogSessionRevoked logs a token/session revocation.
func (l *SecurityLogger) LogSessionRevoked(userID, sessionID, revokedBy string) {
	l.LogEvent(&SecurityEvent{
		Event: "session_revoked", UserID: userID, SessionID: sessionID, Success: true,
		Details: map[string]string{"revoked_by": SanitizeUserID(revokedBy)},
	})
}

// SanitizeToken masks a token, showing only the first and last 4 characters.
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func SanitizeSessionID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 12 {
		return "***"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

func SanitizeUserID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 8 {
		return "***"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

func SanitizeUsername(username string) string {
	if len(username) <= 2 {
		return "***"
	}
	return username[:2] + "***"
}

func SanitizeEmail(email string) string {
	atIndex := strings.Index(email, "@")
	if atIndex <= 0 {
		return "***"
	}
	local, domain := email[:atIndex], email[atIndex:]
	if len(local) <= 2 {
		return "***" + domain
	}
	return local[:2] + "***" + domain
}

// SanitizeError replaces error text containing sensitive substrings with
// a generic message, and truncates the rest.
func SanitizeError(err string) string {
	sensitive := []string{"password", "secret", "token", "key", "bearer", "authorization", "cookie"}
	lower := strings.ToLower(err)
	for _, p := range sensitive {
		if strings.Contains(lower, p) {
			return "authentication error"
		}
	}
	return truncateString(err, 200)
}

// SanitizeValue masks a value if its key name looks sensitive, or if the
// value itself looks like an email address.
func SanitizeValue(key, value string) string {
	sensitiveKeys := map[string]bool{
		"access_token": true, "refresh_token": true, "id_token": true,
		"token": true, "password": true, "secret": true, "api_key": true,
		"apikey": true, "authorization": true, "bearer": true,
		"cookie": true, "session": true, "session_id": true, "sessionid": true,
	}
	if sensitiveKeys[strings.ToLower(key)] {
		return SanitizeToken(value)
	}
	if strings.Contains(value, "@") && strings.Contains(value, ".") {
		return SanitizeEmail(value)
	}
	return value
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
