package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"

	"bridge-paymentterminal/internal/core"
	"bridge-paymentterminal/internal/settings"
)

const defaultHTTPTimeout = 90 * time.Second

// Client is a session-scoped HTTP client for one payment terminal. It owns
// the access token obtained from /openpos and attaches it to every
// subsequent request. Client is safe for concurrent use, but the terminal
// itself processes one operation at a time; callers serialize flows through
// the Orchestrator.
type Client struct {
	profile settings.Profile
	http    *http.Client
	logger  *log.Logger
	audit   *core.AuditLogger

	mu          sync.Mutex
	accessToken string

	// Document close retry schedule. Tests shrink these.
	closeDocAttempts    int
	closeDocEventWindow time.Duration
	closeDocPollSeconds int
	closeDocRetryPause  time.Duration
}

// NewClient creates a client for the terminal described by profile. The
// audit logger is optional; pass nil to disable wire tracing.
func NewClient(profile settings.Profile, logger *log.Logger, audit *core.AuditLogger) *Client {
	return &Client{
		profile: profile,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger,
		audit:   audit,

		closeDocAttempts:    5,
		closeDocEventWindow: 3 * time.Second,
		closeDocPollSeconds: 2,
		closeDocRetryPause:  400 * time.Millisecond,
	}
}

// Profile returns the settings the client was built with.
func (c *Client) Profile() settings.Profile {
	return c.profile
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// HasSession reports whether an /openpos access token is currently held.
func (c *Client) HasSession() bool {
	return c.token() != ""
}

type openPosRequest struct {
	LicenseToken string `json:"licenseToken"`
	Alias        string `json:"alias"`
	UserName     string `json:"userName"`
	Password     string `json:"password"`
}

type openPosResponse struct {
	AccessToken string `json:"accessToken"`
}

// OpenPos establishes a terminal session and stores the access token for
// subsequent calls. Failures are reported as AuthError; no other command
// may run before this succeeds.
func (c *Client) OpenPos(ctx context.Context) error {
	req := openPosRequest{
		LicenseToken: c.profile.LicenseToken,
		Alias:        c.profile.Alias,
		UserName:     c.profile.UserName,
		Password:     c.profile.Password,
	}

	raw, err := c.postJSON(ctx, "/openpos", req, false)
	if err != nil {
		return &AuthError{Reason: "openpos request failed", Err: err}
	}

	var resp openPosResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &AuthError{Reason: "openpos response is not valid JSON", Err: err}
	}
	if resp.AccessToken == "" {
		return &AuthError{Reason: "openpos response carried no access token"}
	}

	c.setToken(resp.AccessToken)
	c.logger.Infof("terminal session opened for alias %s", c.profile.Alias)
	return nil
}

// ClosePos releases the terminal session. The token is cleared even when
// the request fails; a dead session on the terminal side expires on its own.
func (c *Client) ClosePos(ctx context.Context) error {
	if !c.HasSession() {
		return nil
	}

	req := openPosRequest{
		LicenseToken: c.profile.LicenseToken,
		Alias:        c.profile.Alias,
		UserName:     c.profile.UserName,
		Password:     c.profile.Password,
	}

	_, err := c.postJSON(ctx, "/closepos", req, true)
	c.setToken("")
	if err != nil {
		c.logger.Warningf("closepos failed: %v", err)
		return err
	}
	c.logger.Infof("terminal session closed for alias %s", c.profile.Alias)
	return nil
}

// SoftwareVersions returns the terminal's component version report verbatim.
func (c *Client) SoftwareVersions(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/getsoftwareversions")
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.profile.BaseURL, "/") + path
}

// postJSON sends a JSON body and returns the raw response. Non-2xx status
// codes become TransportError with the response body attached.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, withAuth bool) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", path, err)
	}

	fullURL := c.url(path)
	if c.audit != nil {
		if err := c.audit.Log("request", fullURL, payload); err != nil {
			c.logger.Warningf("wire audit write failed: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if withAuth {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	return c.do(req, path)
}

// getRaw issues an authorized GET and returns the raw response body.
func (c *Client) getRaw(ctx context.Context, pathAndQuery string) (json.RawMessage, error) {
	fullURL := c.url(pathAndQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token())

	return c.do(req, pathAndQuery)
}

func (c *Client) do(req *http.Request, op string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if c.audit != nil {
		if err := c.audit.Log("response", req.URL.String(), raw); err != nil {
			c.logger.Warningf("wire audit write failed: %v", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
