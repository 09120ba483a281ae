package broker

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ---------------------------------------------------------------------------
// STOMP over WebSocket.
//
// An optional HTTP listener with a single upgrade endpoint. An upgraded
// connection is adapted to net.Conn so the codec, session, and dispatcher
// are identical above the transport: inbound WebSocket messages feed the
// decoder as a byte stream, and each outbound frame goes out as one binary
// message.
// ---------------------------------------------------------------------------

const wsSubprotocol = "v12.stomp"

type wsListener struct {
	listener net.Listener
	server   *http.Server
}

func newWSListener(s *Server, addr string) (*wsListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{wsSubprotocol},
		// The broker has no cookie-based state, so cross-origin upgrades
		// carry no credentials worth protecting.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stomp", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		s.startSession(&wsConn{ws: ws})
	})

	wl := &wsListener{
		listener: listener,
		server:   &http.Server{Handler: mux},
	}
	go func() {
		if err := wl.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("websocket server stopped")
		}
	}()
	return wl, nil
}

func (wl *wsListener) addr() net.Addr { return wl.listener.Addr() }

func (wl *wsListener) close() {
	_ = wl.server.Close()
}

// wsConn adapts a websocket.Conn to net.Conn. Reads drain message payloads
// in order; writes emit one binary message per call (the writer always
// hands over a whole encoded frame).
type wsConn struct {
	ws      *websocket.Conn
	current io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.current == nil {
			_, reader, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.current = reader
		}
		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
