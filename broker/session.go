package broker

import (
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/rompd/rompd/stomp"
)

// ---------------------------------------------------------------------------
// session — owns one accepted connection end to end.
//
// Lifecycle: handshake (exactly one frame, STOMP/CONNECT → CONNECTED or
// ERROR), then the request/response loop. Every blocking socket read and
// write is bounded by the configured deadlines; a deadline expiry is an I/O
// error and terminates the session like any other transport failure.
//
// The session talks to the dispatcher only through channels: Submit on the
// shared inbox, then block on its own reply channel. It never forwards
// request N+1 before the response to N, which is what preserves
// per-connection ordering. An ERROR response is terminal — written, then
// the connection is closed.
// ---------------------------------------------------------------------------

type sessionState int

const (
	stateAwaitingHandshake sessionState = iota
	stateActive
	stateClosed
)

type session struct {
	id         uint64
	conn       net.Conn
	dispatcher *Dispatcher
	writer     *connWriter
	log        zerolog.Logger

	responseTimeout time.Duration
	state           sessionState
}

// deadlineConn re-arms the read/write deadline before every socket
// operation, so a stalled peer can never hold a session goroutine for
// longer than the configured timeout per call.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.Write(p)
}

func newSession(id uint64, conn net.Conn, d *Dispatcher, cfg Config, log zerolog.Logger) *session {
	bounded := &deadlineConn{
		Conn:         conn,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	return &session{
		id:              id,
		conn:            bounded,
		dispatcher:      d,
		writer:          newConnWriter(bounded, cfg.DeliveryDepth),
		log:             log.With().Uint64("conn", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		responseTimeout: cfg.ResponseTimeout,
		state:           stateAwaitingHandshake,
	}
}

// run drives the session to completion. It is the per-connection worker
// goroutine; the only other goroutine touching this socket is the writer.
func (s *session) run() {
	defer s.close()

	s.log.Info().Msg("session started")
	decoder := stomp.NewDecoder(s.conn)

	if !s.handshake(decoder) {
		return
	}
	s.state = stateActive

	replyCh := s.dispatcher.Register(s.id, s.writer)
	defer s.dispatcher.Deregister(s.id)

	for {
		request, err := decoder.Decode()
		if err != nil {
			s.writeDecodeFailure(err)
			return
		}
		disconnecting := request.Command == stomp.CommandDisconnect

		if !s.dispatcher.Submit(s.id, request) {
			s.log.Warn().Msg("dispatcher stopped, closing session")
			return
		}
		response, ok := s.awaitResponse(replyCh)
		if !ok {
			return
		}

		if !s.writer.enqueue(response.Bytes()) {
			s.log.Warn().Msg("write path failed, closing session")
			return
		}
		if response.Command == stomp.CommandError {
			s.log.Info().Msg("error response sent, closing connection")
			return
		}
		if disconnecting {
			s.log.Info().Msg("client disconnected")
			return
		}
	}
}

// handshake decodes and answers the mandatory first frame. Returns false
// when the session must terminate (decode failure or a rejected connect).
func (s *session) handshake(decoder *stomp.Decoder) bool {
	request, err := decoder.Decode()
	if err != nil {
		s.writeDecodeFailure(err)
		return false
	}

	response := doConnect(request)
	if !s.writer.enqueue(response.Bytes()) {
		s.log.Warn().Msg("write path failed during handshake")
		return false
	}
	if response.Command == stomp.CommandError {
		s.log.Info().Str("reason", response.Body).Msg("handshake rejected")
		return false
	}
	s.log.Info().Msg("handshake complete")
	return true
}

// doConnect validates a connect request. The protocol requires the STOMP
// (or CONNECT) command with accept-version and host headers, and the
// accept-version value must match the one supported protocol version.
func doConnect(request *stomp.Frame) *stomp.Frame {
	if request.Command != stomp.CommandStomp {
		return stomp.WithBody(stomp.CommandError,
			"Invalid command; expected STOMP or CONNECT.")
	}
	version, ok := request.Header.Get("accept-version")
	if !ok {
		return stomp.WithBody(stomp.CommandError,
			"Invalid frame; expected 'accept-version' header.")
	}
	if !request.Header.Contains("host") {
		return stomp.WithBody(stomp.CommandError,
			"Invalid frame; expected 'host' header.")
	}
	if version != stomp.ProtocolVersion {
		return stomp.WithBody(stomp.CommandError,
			"Invalid protocol version.")
	}

	response := stomp.FromCommand(stomp.CommandConnected)
	response.Header.Set("version", stomp.ProtocolVersion)
	response.Header.Set("server", stomp.ServerID)
	return response
}

// writeDecodeFailure turns a protocol malformation into an ERROR frame for
// the peer. Transport errors (EOF, deadline expiry, reset) get nothing —
// the peer is gone or unreachable.
func (s *session) writeDecodeFailure(err error) {
	var fe *stomp.FrameError
	if errors.As(err, &fe) {
		s.log.Info().Str("reason", fe.Message).Msg("malformed frame")
		// Best effort: the session is terminating either way.
		_ = s.writer.enqueue(stomp.WithBody(stomp.CommandError, fe.Message).Bytes())
		return
	}
	s.log.Debug().Err(err).Msg("transport error")
}

// awaitResponse blocks on the reply channel, bounded by the response
// timeout so a stalled dispatcher hangs one session, not the socket
// forever.
func (s *session) awaitResponse(replyCh <-chan *stomp.Frame) (*stomp.Frame, bool) {
	if s.responseTimeout <= 0 {
		response := <-replyCh
		return response, true
	}
	timer := time.NewTimer(s.responseTimeout)
	defer timer.Stop()
	select {
	case response := <-replyCh:
		return response, true
	case <-timer.C:
		s.log.Error().Dur("timeout", s.responseTimeout).Msg("dispatcher response timed out")
		return nil, false
	}
}

// close shuts down both halves of the socket. Shutdown failures are logged
// and otherwise ignored; the peer may already be gone.
func (s *session) close() {
	s.state = stateClosed
	s.writer.close()

	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if underlying, ok := s.conn.(*deadlineConn); ok {
		if hc, ok := underlying.Conn.(halfCloser); ok {
			if err := hc.CloseWrite(); err != nil {
				s.log.Debug().Err(err).Msg("close write half")
			}
			if err := hc.CloseRead(); err != nil {
				s.log.Debug().Err(err).Msg("close read half")
			}
		}
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close connection")
	}
	s.log.Info().Msg("session ended")
}
