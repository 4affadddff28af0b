// Package adminclient is the sole HTTP boundary between the terminal core
// and the remote admin API (spec.md §4.D). Every outbound call goes
// through Do; the client performs no retries itself — callers classify
// failures with apperr and decide whether and when to retry.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/apperr"
)

// Timeout classes, each with its own *http.Client so a slow logo fetch
// never blocks a data call's deadline and vice versa.
type TimeoutClass int

const (
	TimeoutData TimeoutClass = iota
	TimeoutLogo
	TimeoutHealth
)

// Config configures the admin client.
type Config struct {
	BaseURL       string
	APIKey        string
	OrganizationID string
	BranchID      string
	TerminalID    string
	DataTimeout   time.Duration
	LogoTimeout   time.Duration
	HealthTimeout time.Duration
}

// Client is the single async fetch_from_admin surface described in
// spec.md §4.D, generalized from the teacher's provider.Provider shape
// to one fixed vendor with multiple timeout classes instead of multiple
// providers.
type Client struct {
	cfg Config
	log zerolog.Logger

	data   *http.Client
	logo   *http.Client
	health *http.Client
}

// New builds a Client with three independently configured transports,
// mirroring the teacher's per-provider http.Client + Transport
// construction.
func New(cfg Config, log zerolog.Logger) *Client {
	transport := func() *http.Transport {
		return &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "adminclient").Logger(),
		data: &http.Client{
			Transport: transport(),
			Timeout:   cfg.DataTimeout,
		},
		logo: &http.Client{
			Transport: transport(),
			Timeout:   cfg.LogoTimeout,
		},
		health: &http.Client{
			Transport: transport(),
			Timeout:   cfg.HealthTimeout,
		},
	}
}

// Response is the decoded result of a Do call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// JSON unmarshals the response body into out.
func (r *Response) JSON(out interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Do performs a single request against path with no retries. The
// returned error, if non-nil, is an *apperr.Error: a response status of
// 300 or above is classified via apperr.ClassifyRemote, a transport or
// body-read failure is ClassTransient, an unmarshalable body is
// ClassValidation and a request that cannot be built is
// ClassConfiguration — callers should switch on apperr.ClassOf(err)
// rather than inspecting the HTTP status themselves.
func (c *Client) Do(ctx context.Context, class TimeoutClass, method, path string, body interface{}) (*Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.ClassValidation, "marshal request body", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.ClassConfiguration, "build admin request", err)
	}
	c.setHeaders(req)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.clientFor(class)
	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Dur("elapsed", time.Since(start)).Msg("admin request failed")
		return nil, apperr.Wrap(apperr.ClassTransient, "admin request failed: "+path, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, apperr.Wrap(apperr.ClassTransient, "read admin response body", readErr)
	}

	if resp.StatusCode >= 300 {
		class := apperr.ClassifyRemote(resp.StatusCode, string(respBody))
		msg := fmt.Sprintf("admin %s %s returned status %d", method, path, resp.StatusCode)
		aerr := apperr.New(class, msg)
		if class == apperr.ClassBackpressure {
			aerr.RetryAfterSeconds = retryAfterSeconds(resp.Header)
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Str("class", string(class)).Msg("admin call returned error status")
		return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, aerr
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
}

func (c *Client) clientFor(class TimeoutClass) *http.Client {
	switch class {
	case TimeoutLogo:
		return c.logo
	case TimeoutHealth:
		return c.health
	default:
		return c.data
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-POS-Organization-Id", c.cfg.OrganizationID)
	req.Header.Set("X-POS-Branch-Id", c.cfg.BranchID)
	req.Header.Set("X-POS-Terminal-Id", c.cfg.TerminalID)
	req.Header.Set("Accept", "application/json")
}

// retryAfterSeconds parses a Retry-After header, defaulting to 5 seconds
// per spec.md §4.C when absent or unparseable.
func retryAfterSeconds(h http.Header) int {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 5
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs <= 0 {
		return 5
	}
	return secs
}

// HealthCheck performs a lightweight HEAD request against /health with
// the short health timeout class, used by the sync engine's connectivity
// probe.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Do(ctx, TimeoutHealth, http.MethodHead, "/health", nil)
	return err
}

// FetchLogo retrieves the branch logo image bytes using the dedicated
// logo timeout class, for the print renderer's receipt header.
func (c *Client) FetchLogo(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.Do(ctx, TimeoutLogo, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
