package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bigbag/stk-bridge/internal/packet"
	"github.com/bigbag/stk-bridge/internal/reply"
)

type inbound struct {
	conn *websocket.Conn
	data []byte
}

// WebSocketConn is the bridge end of a WebSocket link. It accepts one host
// at a time; every binary message is a packet.
type WebSocketConn struct {
	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader
	opts     options

	packets chan inbound
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	active  bool
	peer    *websocket.Conn
	current *websocket.Conn
}

// ListenWebSocket starts serving hosts on addr at path.
func ListenWebSocket(addr, path string, opts ...Option) (*WebSocketConn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	c := &WebSocketConn{
		ln:   ln,
		opts: buildOptions(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  packet.MaxSize,
			WriteBufferSize: 64,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		packets: make(chan inbound),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleWS)
	c.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.opts.logger.Error("websocket server stopped", "error", err)
		}
	}()

	c.opts.logger.Info("listening", "addr", ln.Addr().String(), "path", path)
	return c, nil
}

// Addr returns the listening address.
func (c *WebSocketConn) Addr() net.Addr {
	return c.ln.Addr()
}

func (c *WebSocketConn) handleWS(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		http.Error(w, "another host is connected", http.StatusConflict)
		return
	}
	c.active = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = false
		c.peer = nil
		c.mu.Unlock()
	}()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.opts.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(packet.MaxSize)

	c.mu.Lock()
	c.peer = conn
	c.mu.Unlock()

	c.opts.logger.Info("host connected", "remote", r.RemoteAddr)
	defer c.opts.logger.Info("host disconnected", "remote", r.RemoteAddr)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.packets <- inbound{conn: conn, data: data}:
		case <-c.done:
			return
		}
	}
}

// ReadPacket returns the next packet from the connected host.
func (c *WebSocketConn) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case in := <-c.packets:
		c.mu.Lock()
		c.current = in.conn
		c.mu.Unlock()
		return in.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// WriteReply answers the host that sent the last packet.
func (c *WebSocketConn) WriteReply(code reply.Code) error {
	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()
	if conn == nil {
		return ErrNoPeer
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(code)}); err != nil {
		// The host went away; the next packet comes from a new connection.
		c.opts.logger.Warn("reply not delivered", "reply", code.String(), "error", err)
		return nil
	}
	return nil
}

// Close stops the listener and drops the connected host.
func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.srv.Close()
		c.mu.Lock()
		if c.peer != nil {
			c.peer.Close()
		}
		c.mu.Unlock()
	})
	return err
}

// WebSocketSender is the host end of a WebSocket link.
type WebSocketSender struct {
	conn *websocket.Conn
	opts options
}

// DialWebSocket connects to a bridge at url (ws://host:port/path).
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WebSocketSender, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return &WebSocketSender{conn: conn, opts: buildOptions(opts)}, nil
}

// Send writes pkt as one binary message and waits for the reply byte.
func (s *WebSocketSender) Send(ctx context.Context, pkt []byte) (reply.Code, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}

	if err := s.conn.SetReadDeadline(replyDeadline(ctx, s.opts.replyTimeout)); err != nil {
		return 0, err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, ErrNoReply
			}
			return 0, fmt.Errorf("read: %w", err)
		}
		if kind == websocket.BinaryMessage && len(data) == 1 {
			return reply.Code(data[0]), nil
		}
		s.opts.logger.Debug("ignoring message while waiting for reply", "len", len(data))
	}
}

// Close sends a close frame and closes the connection.
func (s *WebSocketSender) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
