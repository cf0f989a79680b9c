// Package pushapi is the HTTP and stream transport for the push server.
package pushapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/push-agent/internal/models"
)

// BasePath prefixes every push server endpoint.
const BasePath = "/mps/v1/public"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultHTTPTimeout applies when no custom client is provided.
	DefaultHTTPTimeout = 60 * time.Second

	// maxAPIResponseBytes caps response body reads. Sync batches are the
	// largest responses.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is a non-2xx response from the push server.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Code       string
	CodeName   string
	Message    string
}

func (e *StatusError) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("API %s (%d): %s %s", e.Endpoint, e.StatusCode, e.CodeName, e.Message)
	}

	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the push server.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// Client talks to the push server REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	device     Device
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so session tokens in request bodies
// never reach another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout and the
// same-host redirect policy.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for the server at baseURL. If
// httpClient is nil, NewHTTPClient(DefaultHTTPTimeout) is used.
func NewClient(baseURL string, device Device, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultHTTPTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		device:     device,
	}
}

// Device returns the identity the client sends.
func (c *Client) Device() Device { return c.device }

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// newStatusError builds a StatusError from a failed response, using the
// server's error body when it parses.
func newStatusError(endpoint string, status int, body []byte) error {
	se := &StatusError{Endpoint: endpoint, StatusCode: status}

	var apiErr ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && (apiErr.Code != "" || apiErr.Message != "") {
		se.Code = apiErr.Code
		se.CodeName = apiErr.CodeName
		se.Message = apiErr.Message
	} else {
		se.Message = sanitizeResponseBody(body)
	}

	if isTransientStatus(status) {
		return &TransientError{Err: se}
	}

	return se
}

// do sends a JSON POST request and returns the raw response body.
func (c *Client) do(ctx context.Context, endpoint string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+BasePath+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(endpoint, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// post sends a JSON POST request and decodes the response into result.
// A nil result ignores the body, which some endpoints leave empty.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	respBody, err := c.do(ctx, endpoint, body)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Register registers the device with the given wake-up token and returns
// the push mode and a registration ticket.
func (c *Client) Register(ctx context.Context, pushToken string) (*RegisterResponse, error) {
	req := RegisterRequest{
		AppIdentifier: c.device.AppIdentifier,
		DeviceID:      c.device.ID,
		Platform:      c.device.Platform,
		PushToken:     pushToken,
	}

	var resp RegisterResponse
	if err := c.post(ctx, "/user/register", req, &resp); err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}

	return &resp, nil
}

// Login exchanges a registration ticket for a session token.
func (c *Client) Login(ctx context.Context, rID string, id Identity) (*LoginResponse, error) {
	req := LoginRequest{
		Identity:      id,
		Platform:      c.device.Platform,
		DeviceID:      c.device.ID,
		AppIdentifier: c.device.AppIdentifier,
		RID:           rID,
	}

	var resp LoginResponse
	if err := c.post(ctx, "/user/login", req, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	return &resp, nil
}

// Logout invalidates the session token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	req := LogoutRequest{
		MatrixPushID:  token,
		AppIdentifier: c.device.AppIdentifier,
		DeviceID:      c.device.ID,
		Platform:      c.device.Platform,
	}

	if err := c.post(ctx, "/user/logout", req, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// ReportStatus sends client-side status for one or more messages.
func (c *Client) ReportStatus(ctx context.Context, token string, updates []StatusUpdate) error {
	req := StatusRequest{MatrixPushID: token, UpdateData: updates}

	if err := c.post(ctx, "/message/status", req, nil); err != nil {
		return fmt.Errorf("reporting status: %w", err)
	}

	return nil
}

// HealthCheck acknowledges a stream liveness probe.
func (c *Client) HealthCheck(ctx context.Context, token, healthCheckID string) error {
	req := HealthCheckRequest{MatrixPushID: token, HealthCheckID: healthCheckID}

	if err := c.post(ctx, "/sse/health-check", req, nil); err != nil {
		return fmt.Errorf("acknowledging health check: %w", err)
	}

	return nil
}

// SyncMessages asks for up to limit messages after cursor and returns
// the raw response body. An empty body means nothing was missed.
func (c *Client) SyncMessages(ctx context.Context, token, cursor string, limit int) ([]byte, error) {
	req := SyncRequest{
		MatrixPushID: token,
		Details: SyncDetails{
			DeviceID:       c.device.ID,
			AppIdentifier:  c.device.AppIdentifier,
			PushDispatchID: cursor,
			Limit:          strconv.Itoa(limit),
		},
	}

	body, err := c.do(ctx, "/messages/sync", req)
	if err != nil {
		return nil, fmt.Errorf("syncing messages: %w", err)
	}

	return body, nil
}

// UpdateConsent sets the user's overall push consent.
func (c *Client) UpdateConsent(ctx context.Context, token string, consented bool) (*models.ConsentResult, error) {
	req := ConsentRequest{MatrixPushID: token, Consented: consented}

	var resp models.ConsentResult
	if err := c.post(ctx, "/user/consent", req, &resp); err != nil {
		return nil, fmt.Errorf("updating consent: %w", err)
	}

	return &resp, nil
}

// UpdateCampaignConsent sets consent for a single campaign.
func (c *Client) UpdateCampaignConsent(ctx context.Context, token string, campaignID int64, consented bool) (*models.ConsentResult, error) {
	req := CampaignConsentRequest{MatrixPushID: token, CampaignID: campaignID, Consented: consented}

	var resp models.ConsentResult
	if err := c.post(ctx, "/user/consent/campaign", req, &resp); err != nil {
		return nil, fmt.Errorf("updating campaign consent: %w", err)
	}

	return &resp, nil
}

// FetchCampaigns lists the campaigns the user belongs to.
func (c *Client) FetchCampaigns(ctx context.Context, token string) ([]models.Campaign, error) {
	req := CampaignFetchRequest{MatrixPushID: token}

	var resp []models.Campaign
	if err := c.post(ctx, "/user/campaign/fetch", req, &resp); err != nil {
		return nil, fmt.Errorf("fetching campaigns: %w", err)
	}

	return resp, nil
}
