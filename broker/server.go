package broker

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the tunables for one broker instance. Zero values are
// replaced by the defaults below.
type Config struct {
	// Addr is the TCP listen address, e.g. "127.0.0.1:61616".
	Addr string
	// WSAddr enables the STOMP-over-WebSocket listener when non-empty.
	WSAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ResponseTimeout bounds a session's wait for a dispatcher response.
	ResponseTimeout time.Duration
	// DeliveryDepth is the per-connection outbound queue size; fan-out
	// deliveries beyond it are dropped.
	DeliveryDepth int

	NoDelay   bool
	KeepAlive time.Duration
}

const (
	DefaultAddr            = "127.0.0.1:61616"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	DefaultDeliveryDepth   = 1024
)

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.DeliveryDepth == 0 {
		c.DeliveryDepth = DefaultDeliveryDepth
	}
	return c
}

// ---------------------------------------------------------------------------
// Server — binds the listener, accepts connections, and spawns one session
// worker per accept. Accept errors are logged and the loop continues; a
// bind failure is returned from Start and is fatal to the caller.
// ---------------------------------------------------------------------------

type Server struct {
	cfg        Config
	log        zerolog.Logger
	dispatcher *Dispatcher
	listener   net.Listener

	nextConnID    atomic.Uint64
	acceptedTotal atomic.Uint64
	activeCount   atomic.Int64

	mu       sync.Mutex
	sessions map[uint64]*session
	closed   bool

	wg sync.WaitGroup
	ws *wsListener
}

func NewServer(cfg Config, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		sessions: make(map[uint64]*session),
	}
}

// Addr returns the bound listen address; valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// WSAddr returns the bound WebSocket listen address, or nil when the
// WebSocket transport is disabled.
func (s *Server) WSAddr() net.Addr {
	if s.ws == nil {
		return nil
	}
	return s.ws.addr()
}

// Start binds the listen socket (an error here means the process cannot
// proceed), starts the dispatcher, and begins accepting.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.dispatcher = NewDispatcher(s.log)

	if s.cfg.WSAddr != "" {
		ws, err := newWSListener(s, s.cfg.WSAddr)
		if err != nil {
			_ = listener.Close()
			s.dispatcher.Stop()
			return err
		}
		s.ws = ws
		s.log.Info().Str("addr", ws.addr().String()).Msg("websocket transport listening")
	}

	s.log.Info().Str("addr", listener.Addr().String()).Msg("broker listening")
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedError(err) {
				s.log.Info().Msg("listener closed")
				return
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(s.cfg.NoDelay)
			if s.cfg.KeepAlive > 0 {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(s.cfg.KeepAlive)
			}
		}
		s.startSession(conn)
	}
}

// startSession spawns the per-connection worker. Shared by the TCP accept
// loop and the WebSocket upgrade handler.
func (s *Server) startSession(conn net.Conn) {
	id := s.nextConnID.Add(1)
	sess := newSession(id, conn, s.dispatcher, s.cfg, s.log)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	s.acceptedTotal.Add(1)
	s.activeCount.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
			s.activeCount.Add(-1)
		}()
		sess.run()
	}()
}

// Stop closes the listeners and all active sessions, stops the dispatcher,
// and waits for every worker to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	active := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.ws != nil {
		s.ws.close()
	}
	for _, sess := range active {
		_ = sess.conn.Close()
	}
	s.wg.Wait()
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	s.log.Info().Uint64("accepted", s.acceptedTotal.Load()).Msg("broker stopped")
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe")
}
