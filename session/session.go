// Package session tracks authentication state for a UCube connection: the
// credentials, the bearer and refresh tokens, whether the bearer token has
// expired, and the handoff between a detached login exchange and callers
// waiting on its outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrInvalidCredentials indicates no usable authentication material was
// supplied. The caller must fix the configuration before retrying.
var ErrInvalidCredentials = errors.New("no token or username/password credentials were supplied")

// ErrInvalidToken indicates a supplied bearer token was rejected and no
// refresh path exists.
var ErrInvalidToken = errors.New("an invalid bearer token was supplied")

// ErrLoginTimeout indicates a login did not complete within the wait ceiling.
var ErrLoginTimeout = errors.New("timed out waiting for login to complete")

// LoginError indicates a login or refresh exchange completed but was
// rejected. The caller may retry the login after handling it.
type LoginError struct {
	Status  int
	Message string
}

func (e *LoginError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("login exchange rejected (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("login exchange rejected (HTTP %d): %s", e.Status, e.Message)
}

// IsLoginError checks whether an error is a rejected login exchange.
func IsLoginError(err error) bool {
	var le *LoginError
	return errors.As(err, &le)
}

// Credentials holds the username/password pair used for the login exchange.
type Credentials struct {
	Username   string
	Password   string
	RememberMe bool
}

// Session owns the mutable authentication state. All methods are safe for
// concurrent use; the pending error slot delivers a failure from a detached
// login exchange to a waiter exactly once.
type Session struct {
	logger *slog.Logger

	mu           sync.Mutex
	creds        Credentials
	token        string
	refreshToken string
	expired      bool

	pending   chan error    // failure handoff, capacity 1
	loginDone chan struct{} // success signal, capacity 1

	waitTick time.Duration
}

// New creates a session. The token may be empty when username/password
// credentials will drive the login exchange instead.
func New(creds Credentials, token string, logger *slog.Logger) *Session {
	return &Session{
		logger:    logger,
		creds:     creds,
		token:     token,
		pending:   make(chan error, 1),
		loginDone: make(chan struct{}, 1),
		waitTick:  time.Second,
	}
}

// SetWaitTick overrides the WaitForLogin polling cadence. Intended for tests.
func (s *Session) SetWaitTick(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.waitTick = d
	}
}

// Credentials returns the stored login credentials.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// CredentialsPresent reports whether a username/password pair is stored.
func (s *Session) CredentialsPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Username != "" && s.creds.Password != ""
}

// TokenPresent reports whether a bearer token is stored.
func (s *Session) TokenPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

// RefreshTokenPresent reports whether a refresh token is stored.
func (s *Session) RefreshTokenPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken != ""
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// RefreshToken returns the current refresh token.
func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

// Expired reports whether the bearer token has been observed as expired.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// StoreLoginResult records the tokens produced by a successful login or
// refresh exchange, clears the expired flag, and wakes any login waiter.
// Empty fields leave the corresponding stored token untouched.
func (s *Session) StoreLoginResult(token, refreshToken string) {
	s.mu.Lock()
	if token != "" {
		s.token = token
	}
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.expired = false
	s.mu.Unlock()

	select {
	case s.loginDone <- struct{}{}:
	default:
	}
}

// FailLogin posts a login failure into the pending slot so a caller blocked
// in WaitForLogin can observe it. At most one error is held; a second failure
// before the first is consumed is dropped.
func (s *Session) FailLogin(err error) {
	select {
	case s.pending <- err:
	default:
		s.logger.Warn("Pending login error slot already occupied, dropping", "error", err)
	}
}

// Observe classifies a response. A 200 is a success. A 401 or an expiry
// marker in the body flags the bearer token as expired; expiry is recoverable
// state, never an error. Client errors and anything unclassified are logged
// and reported as non-success.
func (s *Session) Observe(status int, body, url string) bool {
	switch {
	case status == http.StatusOK:
		return true
	case status == http.StatusUnauthorized || hasExpiryMarker(body):
		s.mu.Lock()
		s.expired = true
		s.mu.Unlock()
		s.logger.Info("Bearer token expired, recovery pending", "url", url, "status", status)
		return false
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		s.logger.Warn("Request rejected (not critical)", "url", url, "status", status)
		return false
	default:
		s.logger.Warn("Request failed (not critical)", "url", url, "status", status)
		return false
	}
}

// loginComplete is the condition WaitForLogin waits for: a refresh token is
// present and the expired flag is clear.
func (s *Session) loginComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken != "" && !s.expired
}

// WaitForLogin blocks until the login exchange completes, a failure is posted
// to the pending slot, or the timeout elapses. It is safe to call after an
// inline login: the completed condition is checked before any waiting.
func (s *Session) WaitForLogin(ctx context.Context, timeout time.Duration) error {
	if s.loginComplete() {
		return nil
	}
	select {
	case err := <-s.pending:
		return err
	default:
	}

	s.mu.Lock()
	tick := s.waitTick
	s.mu.Unlock()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.pending:
			return err
		case <-s.loginDone:
			// Re-check: the signal may be stale if the token expired again
			// between the store and this wakeup.
			if s.loginComplete() {
				return nil
			}
		case <-ticker.C:
			// Covers tokens stored through paths that do not signal,
			// such as a refresh exchange completing on another goroutine.
			if s.loginComplete() {
				return nil
			}
		case <-deadline.C:
			return ErrLoginTimeout
		}
	}
}

// expiryMarkers are body fragments the API uses to report a stale token
// alongside or instead of a 401.
var expiryMarkers = []string{"token is expired", "token expired", "jwt expired"}

func hasExpiryMarker(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range expiryMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
