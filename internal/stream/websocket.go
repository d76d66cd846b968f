package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 512
)

// ErrClientGone is returned by WSSink once the peer has closed the socket.
var ErrClientGone = errors.New("websocket client gone")

// WSOption configures a WebSocket sink.
type WSOption func(*WSSink, *websocket.Upgrader)

// WithAllowedOrigins accepts browser upgrades only from the listed origins,
// read on every request, or from the server's own host. "*" allows any
// origin. Requests without an Origin header are not browsers and pass.
// Without this option only same-host origins are accepted.
func WithAllowedOrigins(origins func() []string) WSOption {
	return func(_ *WSSink, u *websocket.Upgrader) {
		u.CheckOrigin = func(r *http.Request) bool {
			return originAllowed(r, origins())
		}
	}
}

// WithSinkLogger sets the logger used by the sink's read loop.
func WithSinkLogger(logger *slog.Logger) WSOption {
	return func(s *WSSink, _ *websocket.Upgrader) {
		s.logger = logger
	}
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// wsMessage is the JSON text frame sent to WebSocket clients.
type wsMessage struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WSSink writes frames as WebSocket text messages.
type WSSink struct {
	conn   *websocket.Conn
	logger *slog.Logger
	gone   chan struct{}
	once   sync.Once
}

// NewWSSink upgrades the request and starts reading control frames from the
// peer so that a client-initiated close is noticed.
func NewWSSink(w http.ResponseWriter, r *http.Request, opts ...WSOption) (*WSSink, error) {
	s := &WSSink{logger: slog.Default(), gone: make(chan struct{})}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	for _, opt := range opts {
		opt(s, &upgrader)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	go s.readPump()
	return s, nil
}

// Gone is closed once the peer has disconnected.
func (s *WSSink) Gone() <-chan struct{} {
	return s.gone
}

func (s *WSSink) Transport() string { return "websocket" }

// readPump discards client messages; reading is required to process close
// frames and pongs.
func (s *WSSink) readPump() {
	defer s.markGone()

	s.conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Websocket client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (s *WSSink) markGone() {
	s.once.Do(func() { close(s.gone) })
}

func (s *WSSink) Send(f Frame) error {
	select {
	case <-s.gone:
		return ErrClientGone
	default:
	}

	data := json.RawMessage(f.Data)
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(wsMessage{ID: f.ID, Event: f.Event, Data: data})
}

func (s *WSSink) KeepAlive() error {
	select {
	case <-s.gone:
		return ErrClientGone
	default:
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close sends a close frame carrying the reason and closes the connection.
func (s *WSSink) Close(reason Reason) error {
	code := websocket.CloseNormalClosure
	switch reason {
	case ReasonShutdown, ReasonBusClosed:
		code = websocket.CloseGoingAway
	case ReasonLagged:
		code = websocket.ClosePolicyViolation
	}

	var err error
	select {
	case <-s.gone:
	default:
		err = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, string(reason)),
			time.Now().Add(wsWriteWait))
	}
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	s.markGone()
	return err
}
