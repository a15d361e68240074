package apex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reeflabs/reefbridge-core/internal/infrastructure/logging"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultRESTDisable     = 5 * time.Minute
	defaultStatusXMLPath   = "/cgi-bin/status.xml"
	cgiStatusJSONPath      = "/cgi-bin/status.json"
	cgiStatusWritePath     = "/cgi-bin/status.cgi"
	restLoginPath          = "/rest/login"
	restLogoutPath         = "/rest/logout"
	restStatusPath         = "/rest/status"
	restConfigPath         = "/rest/config"
	maxResponseBytes       = 4 << 20
	sessionCookieName      = "connect.sid"
	restOutputPathTemplate = "/rest/status/outputs/%s"
	restFeedPathTemplate   = "/rest/status/feed/%d"
)

// ClientConfig carries connection settings for one controller.
type ClientConfig struct {
	Host        string
	Username    string
	Password    string
	StatusPath  string // legacy XML status path
	Timeout     time.Duration
	RESTDisable time.Duration // rate-limit cooldown when no Retry-After given
}

// Client talks to a single controller. Safe for concurrent use: session
// state (sid, REST cooldown) is mutex-protected so one re-login is visible
// to all callers.
type Client struct {
	cfg     ClientConfig
	baseURL string
	http    *http.Client
	logger  *logging.Logger

	mu                sync.Mutex
	sid               string
	restDisabledUntil time.Time
}

// NewClient builds a Client for the given controller.
func NewClient(cfg ClientConfig, logger *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RESTDisable <= 0 {
		cfg.RESTDisable = defaultRESTDisable
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = defaultStatusXMLPath
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		cfg:     cfg,
		baseURL: buildBaseURL(cfg.Host),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// buildBaseURL normalizes a configured host into a base URL.
func buildBaseURL(host string) string {
	h := strings.TrimSpace(host)
	if h == "" {
		return ""
	}
	if !strings.Contains(h, "://") {
		h = "http://" + h
	}
	return strings.TrimRight(h, "/")
}

// BaseURL returns the normalized controller base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RESTAvailable reports whether the REST surface is outside its rate-limit
// cooldown window.
func (c *Client) RESTAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.restDisabledUntil)
}

func (c *Client) assertRESTAvailable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.restDisabledUntil) {
		return ErrRESTDisabled
	}
	return nil
}

func (c *Client) disableREST(d time.Duration) {
	c.mu.Lock()
	c.restDisabledUntil = time.Now().Add(d)
	c.mu.Unlock()
	c.logger.Warn("rest surface disabled after rate limit", "cooldown", d.String())
}

func (c *Client) cachedSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *Client) setSID(sid string) {
	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()
}

// login authenticates against /rest/login and caches the session id. The
// configured username is tried first, then "admin" (the controller's local
// account), matching the behavior of stock firmware UIs.
func (c *Client) login(ctx context.Context) (string, error) {
	candidates := []string{}
	if u := strings.TrimSpace(c.cfg.Username); u != "" {
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 || !strings.EqualFold(candidates[0], "admin") {
		candidates = append(candidates, "admin")
	}

	var lastErr error
	for _, login := range candidates {
		sid, err := c.loginAs(ctx, login)
		if err == nil {
			c.setSID(sid)
			return sid, nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthRejected) {
			continue
		}
		return "", err
	}
	if lastErr == nil {
		lastErr = ErrAuthRejected
	}
	return "", lastErr
}

func (c *Client) loginAs(ctx context.Context, login string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"login":       login,
		"password":    c.cfg.Password,
		"remember_me": false,
	})
	if err != nil {
		return "", &TransportError{Op: "login", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+restLoginPath, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: "login", Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotSupported
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", ErrAuthRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header, c.cfg.RESTDisable)
		c.disableREST(retryAfter)
		return "", &RateLimitError{RetryAfter: retryAfter}
	case isTransientStatus(resp.StatusCode):
		return "", &TransportError{Op: "login", Err: fmt.Errorf("http %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &TransportError{Op: "login", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookieName && ck.Value != "" {
			return ck.Value, nil
		}
	}

	// Older firmware returns the session id in the response body instead
	// of a Set-Cookie header.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &TransportError{Op: "login", Err: err, Retryable: true}
	}
	var loginResp map[string]any
	if err := json.Unmarshal(raw, &loginResp); err == nil {
		if sid, ok := loginResp[sessionCookieName].(string); ok && sid != "" {
			return sid, nil
		}
	}
	return "", &ParseError{Op: "login", Err: fmt.Errorf("no session id in response")}
}

// restDo performs one REST call with the cached session, logging in lazily
// and retrying exactly once after an auth rejection.
func (c *Client) restDo(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.assertRESTAvailable(); err != nil {
		return nil, err
	}

	sid := c.cachedSID()
	if sid == "" {
		var err error
		if sid, err = c.login(ctx); err != nil {
			return nil, err
		}
	}

	raw, err := c.restOnce(ctx, method, path, payload, sid)
	if errors.Is(err, ErrAuthRejected) {
		c.setSID("")
		sid, err = c.login(ctx)
		if err != nil {
			return nil, err
		}
		return c.restOnce(ctx, method, path, payload, sid)
	}
	return raw, err
}

func (c *Client) restOnce(ctx context.Context, method, path string, payload any, sid string) ([]byte, error) {
	op := method + " " + path

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &TransportError{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.Header.Set("Cookie", sessionCookieName+"="+sid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotSupported
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header, c.cfg.RESTDisable)
		c.disableREST(retryAfter)
		return nil, &RateLimitError{RetryAfter: retryAfter}
	case isTransientStatus(resp.StatusCode):
		return nil, &TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err, Retryable: true}
	}
	return raw, nil
}

// cgiGet fetches a legacy CGI endpoint with HTTP basic auth when
// credentials are configured.
func (c *Client) cgiGet(ctx context.Context, path string) ([]byte, int, error) {
	op := "GET " + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	if c.cfg.Password != "" {
		user := c.cfg.Username
		if user == "" {
			user = "admin"
		}
		req.SetBasicAuth(user, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, ErrNotSupported
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, resp.StatusCode, ErrAuthRejected
	case isTransientStatus(resp.StatusCode):
		return nil, resp.StatusCode, &TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, resp.StatusCode, &TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: op, Err: err, Retryable: true}
	}
	return raw, resp.StatusCode, nil
}

// cgiPostForm posts a legacy CGI write with basic auth.
func (c *Client) cgiPostForm(ctx context.Context, path string, form url.Values) error {
	op := "POST " + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.Password != "" {
		user := c.cfg.Username
		if user == "" {
			user = "admin"
		}
		req.SetBasicAuth(user, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err, Retryable: true}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotSupported
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuthRejected
	case isTransientStatus(resp.StatusCode):
		return &TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	return nil
}

// FetchStatus fetches and normalizes controller status. Strategy order:
// REST /rest/status when credentials exist and REST is not in cooldown,
// then CGI status.json, then legacy status.xml. REST auth, 404 and rate
// limit failures fall through to the CGI surfaces; transport failures on a
// surface do not (they are retried by the next poll cycle).
func (c *Client) FetchStatus(ctx context.Context) (*Snapshot, error) {
	if c.cfg.Password != "" {
		snap, err := c.fetchStatusREST(ctx)
		if err == nil {
			return snap, nil
		}
		var rateLimited *RateLimitError
		switch {
		case errors.Is(err, ErrNotSupported),
			errors.Is(err, ErrAuthRejected),
			errors.Is(err, ErrRESTDisabled),
			errors.As(err, &rateLimited):
		default:
			return nil, err
		}
		c.logger.Debug("rest status unavailable, trying cgi", "error", err)
	}

	raw, _, err := c.cgiGet(ctx, cgiStatusJSONPath)
	switch {
	case err == nil:
		return ParseStatusCGI(raw)
	case errors.Is(err, ErrNotSupported):
		// fall through to XML
	default:
		return nil, err
	}

	raw, _, err = c.cgiGet(ctx, c.cfg.StatusPath)
	if err != nil {
		return nil, err
	}
	return ParseStatusXML(raw)
}

func (c *Client) fetchStatusREST(ctx context.Context) (*Snapshot, error) {
	raw, err := c.restDo(ctx, http.MethodGet, restStatusPath, nil)
	if err != nil {
		return nil, err
	}
	return ParseStatusREST(raw)
}

// FetchConfig fetches and sanitizes /rest/config. Requires credentials.
func (c *Client) FetchConfig(ctx context.Context) (*ConfigSnapshot, error) {
	if c.cfg.Password == "" {
		return nil, ErrNotSupported
	}
	raw, err := c.restDo(ctx, http.MethodGet, restConfigPath, nil)
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

// SetOutput writes an output mode token (AUTO/ON/OFF) for a did. REST
// first; when REST is unsupported or in cooldown, the legacy status.cgi
// write is used (classic form encoding: 0=Auto, 1=Off, 2=On).
func (c *Client) SetOutput(ctx context.Context, did, token string) error {
	payload := map[string]any{
		"did":    did,
		"status": []any{token, "", "OK", ""},
		"type":   "outlet",
	}
	_, err := c.restDo(ctx, http.MethodPut, fmt.Sprintf(restOutputPathTemplate, url.PathEscape(did)), payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotSupported) && !errors.Is(err, ErrRESTDisabled) {
		return err
	}

	var code string
	switch token {
	case "AUTO":
		code = "0"
	case "OFF":
		code = "1"
	case "ON":
		code = "2"
	default:
		return &TransportError{Op: "set output", Err: fmt.Errorf("no legacy encoding for token %q", token)}
	}
	form := url.Values{}
	form.Set(did+"_state", code)
	form.Set("Update", "Update")
	return c.cgiPostForm(ctx, cgiStatusWritePath, form)
}

// SetFeed starts or cancels a feed cycle. The wire field carries a gate
// code (0 = start/active, 1 = cancel/inactive). Legacy fallback posts
// FeedSel/FeedActive form fields to status.cgi.
func (c *Client) SetFeed(ctx context.Context, id int, active bool) error {
	code := 1
	if active {
		code = 0
	}
	payload := map[string]any{"name": id, "active": code}
	_, err := c.restDo(ctx, http.MethodPut, fmt.Sprintf(restFeedPathTemplate, id), payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotSupported) && !errors.Is(err, ErrRESTDisabled) {
		return err
	}

	form := url.Values{}
	form.Set("FeedSel", strconv.Itoa(id))
	form.Set("FeedActive", strconv.Itoa(code))
	return c.cgiPostForm(ctx, cgiStatusWritePath, form)
}

// PutTridentExtra sends a Trident module command through the config
// surface: per-module endpoint first, bulk mconf endpoint as fallback.
func (c *Client) PutTridentExtra(ctx context.Context, abaddr int, extra map[string]any) error {
	payload := map[string]any{"abaddr": abaddr, "extra": extra}
	_, err := c.restDo(ctx, http.MethodPut, fmt.Sprintf("/rest/config/mconf/%d", abaddr), payload)
	if errors.Is(err, ErrNotSupported) {
		_, err = c.restDo(ctx, http.MethodPut, "/rest/config/mconf", map[string]any{
			"mconf": []any{payload},
		})
	}
	return err
}

// Close logs the REST session out (best effort) and clears session state.
func (c *Client) Close(ctx context.Context) {
	sid := c.cachedSID()
	if sid != "" {
		if _, err := c.restOnce(ctx, http.MethodPost, restLogoutPath, nil, sid); err != nil {
			c.logger.Debug("rest logout failed", "error", err)
		}
	}
	c.setSID("")
}

// parseRetryAfter reads a Retry-After header in seconds, falling back to
// the configured cooldown.
func parseRetryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
