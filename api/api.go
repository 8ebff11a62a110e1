// Package api issues authenticated HTTP requests against the UCube API. It
// owns the endpoint templates, retries transient failures, throttles request
// volume, and resolves bearer-token expiry before and after every call.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/codeGROOVE-dev/ucube/session"
)

// DefaultBaseSite is the production UCube site. Tests point the client at an
// httptest server instead.
const DefaultBaseSite = "https://united-cube.com/"

// Endpoint templates. Placeholders are filled with Expand.
const (
	LoginEndpoint         = "auth/login"
	RefreshEndpoint       = "auth/refresh"
	MeEndpoint            = "me"
	ClubsEndpoint         = "clubs?per_page={feed_amount}&page={page_number}"
	ClubInfoEndpoint      = "clubs/{club_slug}"
	BoardsEndpoint        = "boards?club={club_slug}"
	FeedsEndpoint         = "feeds?board={board_slug}&per_page={feed_amount}&page={page_number}"
	FeedDetailEndpoint    = "feeds/{post_slug}"
	NotificationsEndpoint = "notifications?club={club_slug}&per_page={feed_amount}&page={page_number}"
	CommentsEndpoint      = "comments?post={post_slug}&per_page={feed_amount}&page={page_number}"
)

const maxBodySize = 10 << 20 // 10 MB response ceiling

// Expand fills the {placeholder} slots in an endpoint template. Pairs are
// placeholder, value, placeholder, value, ...
func Expand(endpoint string, pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		endpoint = strings.ReplaceAll(endpoint, pairs[i], pairs[i+1])
	}
	return endpoint
}

// Client performs HTTP round trips with the session's bearer token attached.
type Client struct {
	session      *session.Session
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
	baseSite     string
	apiURL       string
	loginTimeout time.Duration

	// recoverMu makes expiry recovery single-flight: concurrent callers that
	// observe an expired token never run overlapping refresh/login exchanges.
	recoverMu sync.Mutex
}

// New creates an API client. An empty baseSite selects the production site.
func New(sess *session.Session, httpClient *http.Client, baseSite string, loginTimeout time.Duration, logger *slog.Logger) *Client {
	if baseSite == "" {
		baseSite = DefaultBaseSite
	}
	if !strings.HasSuffix(baseSite, "/") {
		baseSite += "/"
	}
	if loginTimeout <= 0 {
		loginTimeout = 15 * time.Second
	}
	return &Client{
		session:      sess,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:       logger,
		baseSite:     baseSite,
		apiURL:       baseSite + "v1/",
		loginTimeout: loginTimeout,
	}
}

// BaseSite returns the site root, used to resolve relative media paths.
func (c *Client) BaseSite() string {
	return c.baseSite
}

// WithRecovery wraps a remote call so that an expired token is resolved
// before the call runs, and once more (with a single retry of the call) if
// the call itself observes expiry. This is the only place expiry is resolved;
// fetch operations never handle it themselves.
func (c *Client) WithRecovery(ctx context.Context, call func() error) error {
	if err := c.recoverIfExpired(ctx); err != nil {
		return err
	}
	if err := call(); err != nil {
		return err
	}
	if !c.session.Expired() {
		return nil
	}
	// The call observed expiry mid-flight. Recover and retry it once.
	if err := c.recoverIfExpired(ctx); err != nil {
		return err
	}
	return call()
}

func (c *Client) recoverIfExpired(ctx context.Context) error {
	if !c.session.Expired() {
		return nil
	}

	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	// Another caller may have finished recovery while we waited for the lock.
	if !c.session.Expired() {
		return nil
	}

	if c.session.RefreshTokenPresent() {
		c.logger.Info("Recovering expired session via refresh token")
		return c.Refresh(ctx)
	}

	c.logger.Info("Recovering expired session via full login")
	c.Login(ctx)
	return c.session.WaitForLogin(ctx, c.loginTimeout)
}

// FetchPage performs one authenticated GET against the API via the recovery
// wrapper. A nil result with a nil error means the resource was absent or the
// request was rejected non-fatally; callers treat it as an empty page.
func (c *Client) FetchPage(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
	err := c.WithRecovery(ctx, func() error {
		data, err := c.get(ctx, c.apiURL+endpoint)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// get performs an authorized GET with retry. Non-success classifications
// (404, expiry, ...) yield a nil body and nil error; the session records the
// classification side effects.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+c.session.Token())
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.httpClient.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"url", url,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			c.logger.Debug("HTTP request completed",
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			// The platform rate-limits aggressively; back off and retry.
			if resp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("rate limited: HTTP %d", resp.StatusCode)
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			if c.session.Observe(resp.StatusCode, string(data), url) {
				body = data
			}
			// Non-success below 500 is absence, not an error: the session has
			// already recorded expiry or logged the rejection.
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return body, nil
}

type loginPayload struct {
	ID           string  `json:"id"`
	Path         string  `json:"path"`
	PW           string  `json:"pw"`
	RefreshToken *string `json:"refresh_token"`
	RememberMe   bool    `json:"remember_me"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// Login runs the login exchange inline. The outcome is always reconciled
// through the session: success stores the tokens and wakes waiters, failure
// lands in the pending slot so a waiter in WaitForLogin can observe it. This
// keeps the blocking and detached execution paths on one contract.
func (c *Client) Login(ctx context.Context) {
	c.processLogin(ctx)
}

// LoginAsync schedules the login exchange as a detached goroutine and returns
// immediately. Callers wait for completion with session.WaitForLogin.
func (c *Client) LoginAsync(ctx context.Context) {
	go c.processLogin(ctx)
}

func (c *Client) processLogin(ctx context.Context) {
	creds := c.session.Credentials()
	payload := loginPayload{
		ID:         creds.Username,
		Path:       c.baseSite + "signin",
		PW:         creds.Password,
		RememberMe: creds.RememberMe,
	}
	if rt := c.session.RefreshToken(); rt != "" {
		payload.RefreshToken = &rt
	}

	status, data, err := c.postJSON(ctx, c.apiURL+LoginEndpoint, payload)
	if err != nil {
		c.session.FailLogin(fmt.Errorf("login exchange: %w", err))
		return
	}
	if !c.session.Observe(status, string(data), LoginEndpoint) {
		c.session.FailLogin(&session.LoginError{Status: status})
		return
	}

	var res tokenResponse
	if err := json.Unmarshal(data, &res); err != nil {
		c.session.FailLogin(&session.LoginError{Status: status, Message: "malformed login response"})
		return
	}
	if res.Token == "" && res.RefreshToken == "" {
		c.session.FailLogin(&session.LoginError{Status: status, Message: "login response carried no tokens"})
		return
	}

	c.session.StoreLoginResult(res.Token, res.RefreshToken)
	c.logger.Info("Login exchange completed", "refresh_token_present", res.RefreshToken != "")
}

// Refresh exchanges the stored refresh token for a new bearer token. It is
// only invoked by the recovery wrapper when a refresh token exists. A failure
// is returned directly; the caller decides whether to retry with a full login.
func (c *Client) Refresh(ctx context.Context) error {
	payload := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: c.session.RefreshToken()}

	status, data, err := c.postJSON(ctx, c.apiURL+RefreshEndpoint, payload)
	if err != nil {
		return fmt.Errorf("refresh exchange: %w", err)
	}
	if status != http.StatusOK {
		return &session.LoginError{Status: status, Message: "refresh exchange rejected"}
	}

	var res tokenResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return &session.LoginError{Status: status, Message: "malformed refresh response"}
	}
	if res.Token == "" {
		return &session.LoginError{Status: status, Message: "refresh response carried no token"}
	}

	c.session.StoreLoginResult(res.Token, res.RefreshToken)
	c.logger.Info("Refresh exchange completed")
	return nil
}

// Me validates the bearer token by fetching the account's own record. A nil
// result means the token was rejected.
func (c *Client) Me(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.apiURL+MeEndpoint)
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}

	var status int
	var data []byte
	err = retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				c.logger.Warn("HTTP request failed, will retry", "url", url, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			status = resp.StatusCode

			// Exchange rejections are terminal for this attempt: retrying the
			// same credentials will not change the answer.
			if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
				return fmt.Errorf("HTTP %d", status)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying exchange after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		return status, nil, fmt.Errorf("after retries: %w", err)
	}
	return status, data, nil
}

// Items decodes the items array of a paginated API response.
func Items(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var page struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("unmarshal page: %w", err)
	}
	return page.Items, nil
}
