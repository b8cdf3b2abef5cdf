package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/phrazzld/recipe-forge/internal/gateway"
	"github.com/phrazzld/recipe-forge/internal/progress"
)

// SubmitResult is the server's enqueue confirmation.
type SubmitResult struct {
	TaskID string `json:"taskId"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Queued bool   `json:"queued"`
}

// Transport carries requests to the server and progress events back.
type Transport interface {
	// Submit sends one enqueue request.
	Submit(ctx context.Context, kind Kind, payload json.RawMessage) (SubmitResult, error)

	// Connect opens a progress stream.
	Connect(ctx context.Context) (Stream, error)
}

// Stream is an open progress stream.
type Stream interface {
	// Next blocks until the next progress event or a connection error.
	Next(ctx context.Context) (progress.Event, error)

	// Close ends the stream. It is safe to call more than once and
	// concurrently with Next, which then returns an error.
	Close() error
}

// ErrSubmitRejected is returned when the server answers an enqueue request
// with an error status.
var ErrSubmitRejected = errors.New("submission rejected")

// HTTPTransport submits over the JSON API and streams progress over the
// gateway websocket.
type HTTPTransport struct {
	base   *url.URL
	token  string
	room   string
	client *http.Client
	dialer *websocket.Dialer
}

// NewHTTPTransport creates a transport for the server at baseURL. token is
// sent as a bearer token on every request. room, when set, is announced with
// a join-room message after connecting.
func NewHTTPTransport(baseURL, token, room string, client *http.Client) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		base:   u,
		token:  token,
		room:   room,
		client: client,
		dialer: websocket.DefaultDialer,
	}, nil
}

func (t *HTTPTransport) endpoint(path string) string {
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint(path), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %s (status %d)", ErrSubmitRejected, apiErr.Error, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Submit implements Transport.
func (t *HTTPTransport) Submit(ctx context.Context, kind Kind, payload json.RawMessage) (SubmitResult, error) {
	var path string
	switch kind {
	case KindScrape:
		path = "/api/scrape"
	case KindInvent:
		path = "/api/invent"
	default:
		return SubmitResult{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSubmission, kind)
	}

	var res SubmitResult
	if err := t.do(ctx, http.MethodPost, path, bytes.NewReader(payload), http.StatusAccepted, &res); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// QueueStatus reads the queue depths.
func (t *HTTPTransport) QueueStatus(ctx context.Context) (gateway.QueueStatus, error) {
	var s gateway.QueueStatus
	err := t.do(ctx, http.MethodGet, "/api/queue/status", nil, http.StatusOK, &s)
	return s, err
}

// Connect implements Transport.
func (t *HTTPTransport) Connect(ctx context.Context) (Stream, error) {
	u := *t.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Redacted(), err)
	}

	s := &wsStream{conn: conn}
	if t.room != "" {
		if err := s.write(gateway.Frame{Event: gateway.EventJoinRoom, Room: t.room}); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

type wsStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// inboundFrame is gateway.Frame with the payload left undecoded.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *wsStream) write(f gateway.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

// Next implements Stream. Frames other than progress events, and progress
// frames that fail to decode, are skipped.
func (s *wsStream) Next(ctx context.Context) (progress.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return progress.Event{}, err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return progress.Event{}, err
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Event != gateway.EventProgress {
			continue
		}
		ev, err := progress.Decode(f.Data)
		if err != nil {
			continue
		}
		return ev, nil
	}
}

// Close implements Stream.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
