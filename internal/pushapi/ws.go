package pushapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	wsEndpoint = "/ws/connect"

	// wsReadLimit caps a single frame. Message payloads are small.
	wsReadLimit = 1 << 20
)

// wsConn abstracts the WebSocket connection so the stream can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// WSTransport opens event streams over WebSocket. Each text frame is a
// JSON object {"type", "id", "data"} carrying the same events as SSE.
type WSTransport struct {
	httpClient  *http.Client
	baseURL     string
	readTimeout time.Duration
}

// NewWSTransport creates a WebSocket transport for the server at baseURL.
func NewWSTransport(baseURL string, httpClient *http.Client, readTimeout time.Duration) *WSTransport {
	if readTimeout <= 0 {
		readTimeout = DefaultStreamReadTimeout
	}

	return &WSTransport{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		readTimeout: readTimeout,
	}
}

// Open dials the stream. A rejected handshake is returned as a
// StatusError so 401s drive auth recovery the same way as SSE.
func (t *WSTransport) Open(ctx context.Context, p StreamParams) (EventStream, error) {
	u := t.baseURL + BasePath + wsEndpoint + "?" + p.query()

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: t.httpClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, newStatusError(wsEndpoint, resp.StatusCode, nil)
		}

		return nil, &TransientError{Err: fmt.Errorf("dialing websocket: %w", err)}
	}

	conn.SetReadLimit(wsReadLimit)

	return &wsStream{conn: conn, readTimeout: t.readTimeout}, nil
}

type wsStream struct {
	conn        wsConn
	readTimeout time.Duration
}

// Next reads the next text frame. Binary frames are skipped.
func (s *wsStream) Next(ctx context.Context) (Event, error) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		typ, data, err := s.conn.Read(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}

			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway ||
				errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}

			return Event{}, fmt.Errorf("reading websocket: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		frame := gjson.ParseBytes(data)
		ev := Event{
			Type: EventType(frame.Get("type").String()),
			ID:   frame.Get("id").String(),
		}

		if d := frame.Get("data"); d.Type == gjson.String {
			ev.Data = []byte(d.Str)
		} else if d.Exists() {
			ev.Data = []byte(d.Raw)
		}

		return ev, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}
