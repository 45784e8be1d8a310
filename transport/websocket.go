package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// DefaultPongWait is how long the read loop waits for any frame, pongs included,
	// before it declares the peer dead.
	DefaultPongWait = 60 * time.Second
	// DefaultPingPeriod must stay below the pong wait.
	DefaultPingPeriod = DefaultPongWait * 9 / 10
)

// WebSocket adapts a gorilla/websocket connection to the Transport interface.
// Every text frame is one payload. A single read loop delivers frames to subscribers,
// so several engines with different service identities can share one connection.
// The read loop starts with the first subscriber; nothing is read before that.
//
// While the read loop runs, a heartbeat pings the peer every ping period. A peer that
// sends nothing (not even a pong) for the pong wait is considered gone: the connection
// is closed and Done fires.
type WebSocket struct {
	conn       *websocket.Conn
	peerOrigin string // Reported as Message.Origin for every inbound frame
	subs       subscribers

	pingPeriod time.Duration
	pongWait   time.Duration

	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer

	startOnce sync.Once
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

type WebSocketOption func(*WebSocket)

// WithKeepAlive sets the heartbeat. A non-positive pingPeriod disables it, and with it
// the read deadline.
func WithKeepAlive(pingPeriod, pongWait time.Duration) WebSocketOption {
	return func(ws *WebSocket) {
		ws.pingPeriod = pingPeriod
		ws.pongWait = pongWait
		if pingPeriod > 0 && pongWait <= pingPeriod {
			ws.pongWait = pingPeriod * 10 / 9
		}
	}
}

func NewWebSocket(conn *websocket.Conn, peerOrigin string, opts ...WebSocketOption) *WebSocket {
	ws := &WebSocket{
		conn:       conn,
		peerOrigin: peerOrigin,
		pingPeriod: DefaultPingPeriod,
		pongWait:   DefaultPongWait,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// DialWebSocket connects to rawURL. The peer's origin is derived from the URL.
func DialWebSocket(ctx context.Context, rawURL string, header http.Header, opts ...WebSocketOption) (*WebSocket, error) {
	origin, err := OriginOf(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", rawURL, err)
	}
	return NewWebSocket(conn, origin, opts...), nil
}

// Upgrade accepts a WebSocket on the server side. The peer's origin is the request's
// Origin header.
func Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, opts ...WebSocketOption) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, r.Header.Get("Origin"), opts...), nil
}

// OriginOf maps ws/wss URLs onto the http/https origin a browser would report.
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	if scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", rawURL)
	}
	return scheme + "://" + u.Host, nil
}

func (ws *WebSocket) PeerOrigin() string { return ws.peerOrigin }

func (ws *WebSocket) Post(payload string, targetOrigin string) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	if !originMatches(targetOrigin, ws.peerOrigin) {
		return nil
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (ws *WebSocket) Subscribe(fn func(Message)) func() {
	unsubscribe := ws.subs.add(fn)
	ws.startOnce.Do(ws.start)
	return unsubscribe
}

// Subscribers returns how many callbacks are registered.
func (ws *WebSocket) Subscribers() int { return ws.subs.len() }

// Done is closed once the read loop has stopped or the connection was closed.
func (ws *WebSocket) Done() <-chan struct{} { return ws.done }

// Err returns the error that stopped the read loop, if any.
func (ws *WebSocket) Err() error {
	<-ws.done
	return ws.err
}

func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.writeMu.Lock()
		ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.writeMu.Unlock()
		err = ws.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil // Already closed by the read loop
		}
	})
	// Never subscribed: there is no read loop to report the close.
	ws.startOnce.Do(func() { close(ws.done) })
	return err
}

func (ws *WebSocket) start() {
	if ws.pingPeriod > 0 {
		ws.conn.SetReadDeadline(time.Now().Add(ws.pongWait))
		ws.conn.SetPongHandler(func(string) error {
			return ws.conn.SetReadDeadline(time.Now().Add(ws.pongWait))
		})
		go ws.heartbeatLoop()
	}
	go ws.readLoop()
}

// heartbeatLoop pings the peer until the read loop stops. A failed ping closes the
// connection, which ends the read loop.
func (ws *WebSocket) heartbeatLoop() {
	ticker := time.NewTicker(ws.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			ws.writeMu.Lock()
			err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			ws.writeMu.Unlock()
			if err != nil {
				ws.conn.Close()
				return
			}
		}
	}
}

func (ws *WebSocket) readLoop() {
	defer close(ws.done)
	defer ws.conn.Close()
	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.err = err
			}
			return
		}
		if ws.pingPeriod > 0 {
			ws.conn.SetReadDeadline(time.Now().Add(ws.pongWait))
		}
		if mt != websocket.TextMessage {
			continue
		}
		ws.subs.deliver(Message{Data: string(data), Origin: ws.peerOrigin})
	}
}
