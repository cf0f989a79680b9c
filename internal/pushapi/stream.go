package pushapi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// EventType names a server-sent stream event.
type EventType string

const (
	// EventConnected carries the session token once the stream is up.
	EventConnected EventType = "CONNECTED"
	// EventHealthCheck is a liveness probe that must be acknowledged.
	EventHealthCheck EventType = "HEALTH_CHECK"
	// EventPushMessage carries one message payload.
	EventPushMessage EventType = "PUSH_MESSAGE"
	// EventDisconnect announces a server-side close.
	EventDisconnect EventType = "DISCONNECT"
)

// DefaultStreamReadTimeout closes a stream that has been silent this long.
const DefaultStreamReadTimeout = 60 * time.Second

// Event is one decoded stream event.
type Event struct {
	Type EventType
	ID   string
	Data []byte
}

// SessionToken extracts matrixPushId from a CONNECTED event.
func (e Event) SessionToken() string {
	return gjson.GetBytes(e.Data, "matrixPushId").String()
}

// HealthCheckID extracts healthCheckId from a HEALTH_CHECK event.
func (e Event) HealthCheckID() string {
	return gjson.GetBytes(e.Data, "healthCheckId").String()
}

// StreamParams are the connection parameters for one stream attempt.
type StreamParams struct {
	RID           string
	DeviceID      string
	AppIdentifier string
	Platform      string
}

func (p StreamParams) query() string {
	q := url.Values{}
	q.Set("rId", p.RID)
	q.Set("deviceId", p.DeviceID)
	q.Set("appIdentifier", p.AppIdentifier)
	q.Set("platform", p.Platform)

	return q.Encode()
}

// EventStream yields events from one open stream. Next returns io.EOF
// when the server closes the stream.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// SSETransport opens server-sent event streams.
type SSETransport struct {
	httpClient  *http.Client
	baseURL     string
	readTimeout time.Duration
}

// NewSSETransport creates an SSE transport. The http.Client must not set
// a total Timeout, since streams stay open indefinitely; idle streams are
// closed after readTimeout instead.
func NewSSETransport(baseURL string, httpClient *http.Client, readTimeout time.Duration) *SSETransport {
	if httpClient == nil {
		httpClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	if readTimeout <= 0 {
		readTimeout = DefaultStreamReadTimeout
	}

	return &SSETransport{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		readTimeout: readTimeout,
	}
}

const sseEndpoint = "/sse/connect"

// Open starts a stream. A non-2xx response is returned as a StatusError.
func (t *SSETransport) Open(ctx context.Context, p StreamParams) (EventStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL+BasePath+sseEndpoint+"?"+p.query(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stream request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransientError{Err: fmt.Errorf("opening stream: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()

		return nil, newStatusError(sseEndpoint, resp.StatusCode, body)
	}

	s := &sseStream{
		body:        resp.Body,
		reader:      bufio.NewReader(resp.Body),
		cancel:      cancel,
		readTimeout: t.readTimeout,
	}
	s.idle = time.AfterFunc(t.readTimeout, cancel)

	return s, nil
}

// sseStream parses text/event-stream framing. Next must not be called
// concurrently.
type sseStream struct {
	body        io.ReadCloser
	reader      *bufio.Reader
	cancel      context.CancelFunc
	idle        *time.Timer
	readTimeout time.Duration

	closeOnce sync.Once
}

// Next reads lines until a blank line completes an event.
func (s *sseStream) Next(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	var (
		ev   Event
		data []string
		seen bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}

			if err == io.EOF && line == "" {
				return Event{}, io.EOF
			}

			return Event{}, fmt.Errorf("reading stream: %w", err)
		}

		s.idle.Reset(s.readTimeout)

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !seen {
				continue
			}

			if ev.Type == "" {
				ev.Type = "message"
			}

			ev.Data = []byte(strings.Join(data, "\n"))

			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		seen = true

		switch field {
		case "event":
			ev.Type = EventType(value)
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
}

func (s *sseStream) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.idle.Stop()
		s.cancel()
		err = s.body.Close()
	})

	return err
}
