package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rompd/rompd/stomp"
)

func startTestServer(t *testing.T, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Addr:            "127.0.0.1:0",
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		ResponseTimeout: 2 * time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	server := NewServer(cfg, zerolog.New(os.Stderr).Level(zerolog.WarnLevel))
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

// testClient is a raw protocol client for exercising the broker from the
// outside.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	decoder *stomp.Decoder
}

func dialTest(t *testing.T, server *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, decoder: stomp.NewDecoder(conn)}
}

func (c *testClient) writeRaw(wire string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(wire)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) write(frame *stomp.Frame) {
	c.t.Helper()
	c.writeRaw(frame.String())
}

func (c *testClient) read() *stomp.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := c.decoder.Decode()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readErr reads expecting a failure (connection closed or deadline).
func (c *testClient) readErr() error {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err := c.decoder.Decode()
	return err
}

func (c *testClient) handshake() *stomp.Frame {
	c.t.Helper()
	connect := stomp.FromCommand(stomp.CommandStomp)
	connect.Header.Set("accept-version", stomp.ProtocolVersion)
	connect.Header.Set("host", "localhost")
	c.write(connect)
	return c.read()
}

func (c *testClient) mustConnect() {
	c.t.Helper()
	response := c.handshake()
	if response.Command != stomp.CommandConnected {
		c.t.Fatalf("handshake failed: %v %q", response.Command, response.Body)
	}
}

func (c *testClient) subscribe(destination, id string) {
	c.t.Helper()
	frame := stomp.FromCommand(stomp.CommandSubscribe)
	frame.Header.Set("destination", destination)
	frame.Header.Set("id", id)
	c.write(frame)
	if response := c.read(); response.Command != stomp.CommandReceipt {
		c.t.Fatalf("subscribe rejected: %v %q", response.Command, response.Body)
	}
}

func (c *testClient) send(destination, body string, headers ...string) *stomp.Frame {
	c.t.Helper()
	frame := stomp.WithBody(stomp.CommandSend, body)
	frame.Header.Set("destination", destination)
	for i := 0; i+1 < len(headers); i += 2 {
		frame.Header.Set(headers[i], headers[i+1])
	}
	c.write(frame)
	return c.read()
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestHandshakeSuccess(t *testing.T) {
	server := startTestServer(t)
	client := dialTest(t, server)

	response := client.handshake()
	if response.Command != stomp.CommandConnected {
		t.Fatalf("expected CONNECTED, got %v %q", response.Command, response.Body)
	}
	if v, _ := response.Header.Get("version"); v != "1.2" {
		t.Fatalf("unexpected version header: %q", v)
	}
	if s, ok := response.Header.Get("server"); !ok || s == "" {
		t.Fatalf("missing server header")
	}
}

func TestHandshakeRejections(t *testing.T) {
	cases := []struct {
		name  string
		frame func() *stomp.Frame
		body  string
	}{
		{
			name: "wrong command",
			frame: func() *stomp.Frame {
				f := stomp.FromCommand(stomp.CommandSubscribe)
				f.Header.Set("destination", "a")
				f.Header.Set("id", "s")
				return f
			},
			body: "Invalid command; expected STOMP or CONNECT.",
		},
		{
			name: "missing accept-version",
			frame: func() *stomp.Frame {
				f := stomp.FromCommand(stomp.CommandStomp)
				f.Header.Set("host", "localhost")
				return f
			},
			body: "Invalid frame; expected 'accept-version' header.",
		},
		{
			name: "missing host",
			frame: func() *stomp.Frame {
				f := stomp.FromCommand(stomp.CommandStomp)
				f.Header.Set("accept-version", "1.2")
				return f
			},
			body: "Invalid frame; expected 'host' header.",
		},
		{
			name: "wrong version",
			frame: func() *stomp.Frame {
				f := stomp.FromCommand(stomp.CommandStomp)
				f.Header.Set("accept-version", "1.0")
				f.Header.Set("host", "localhost")
				return f
			},
			body: "Invalid protocol version.",
		},
	}

	server := startTestServer(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := dialTest(t, server)
			client.write(tc.frame())

			response := client.read()
			if response.Command != stomp.CommandError {
				t.Fatalf("expected ERROR, got %v", response.Command)
			}
			if response.Body != tc.body {
				t.Fatalf("unexpected error body:\n got %q\nwant %q", response.Body, tc.body)
			}
			// ERROR is terminal: the broker closes after the single response.
			if err := client.readErr(); err == nil {
				t.Fatalf("expected connection to close after ERROR")
			}
		})
	}
}

func TestHandshakeMalformedFrame(t *testing.T) {
	server := startTestServer(t)
	client := dialTest(t, server)

	client.writeRaw("GREETINGS\r\n\r\n\x00")
	response := client.read()
	if response.Command != stomp.CommandError {
		t.Fatalf("expected ERROR, got %v", response.Command)
	}
	if response.Body != "Invalid command" {
		t.Fatalf("unexpected body: %q", response.Body)
	}
	if err := client.readErr(); err == nil {
		t.Fatalf("expected connection to close")
	}
}

// ---------------------------------------------------------------------------
// Request/response and fan-out
// ---------------------------------------------------------------------------

func TestSendFanout(t *testing.T) {
	server := startTestServer(t)

	subA := dialTest(t, server)
	subA.mustConnect()
	subA.subscribe("/topic/px", "sub-a")

	subB := dialTest(t, server)
	subB.mustConnect()
	subB.subscribe("/topic/px", "sub-b")

	other := dialTest(t, server)
	other.mustConnect()
	other.subscribe("/topic/fx", "sub-o")

	publisher := dialTest(t, server)
	publisher.mustConnect()
	response := publisher.send("/topic/px", "tick 42", "receipt", "r-1", "priority", "9")
	if response.Command != stomp.CommandReceipt {
		t.Fatalf("expected RECEIPT, got %v %q", response.Command, response.Body)
	}
	if id, _ := response.Header.Get("receipt-id"); id != "r-1" {
		t.Fatalf("unexpected receipt-id: %q", id)
	}

	for _, sub := range []struct {
		client *testClient
		subID  string
	}{{subA, "sub-a"}, {subB, "sub-b"}} {
		message := sub.client.read()
		if message.Command != stomp.CommandMessage {
			t.Fatalf("expected MESSAGE, got %v", message.Command)
		}
		if message.Body != "tick 42" {
			t.Fatalf("unexpected body: %q", message.Body)
		}
		if id, _ := message.Header.Get("subscription"); id != sub.subID {
			t.Fatalf("message delivered to wrong subscription: %q", id)
		}
		if d, _ := message.Header.Get("destination"); d != "/topic/px" {
			t.Fatalf("unexpected destination: %q", d)
		}
		if !message.Header.Contains("message-id") {
			t.Fatalf("missing message-id header")
		}
		// Custom headers travel with the message.
		if p, _ := message.Header.Get("priority"); p != "9" {
			t.Fatalf("custom header lost: %q", p)
		}
	}

	// The /topic/fx subscriber sees nothing.
	if err := other.readErr(); err == nil {
		t.Fatalf("subscriber on another destination received a message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server := startTestServer(t)

	subscriber := dialTest(t, server)
	subscriber.mustConnect()
	subscriber.subscribe("/queue/q", "sub-1")

	unsub := stomp.FromCommand(stomp.CommandUnsubscribe)
	unsub.Header.Set("id", "sub-1")
	subscriber.write(unsub)
	if response := subscriber.read(); response.Command != stomp.CommandReceipt {
		t.Fatalf("unsubscribe rejected: %v %q", response.Command, response.Body)
	}

	publisher := dialTest(t, server)
	publisher.mustConnect()
	if response := publisher.send("/queue/q", "gone"); response.Command != stomp.CommandReceipt {
		t.Fatalf("send failed: %v", response.Command)
	}

	if err := subscriber.readErr(); err == nil {
		t.Fatalf("received a message after unsubscribing")
	}
}

func TestErrorResponseClosesConnection(t *testing.T) {
	server := startTestServer(t)
	client := dialTest(t, server)
	client.mustConnect()

	// SEND without destination.
	frame := stomp.WithBody(stomp.CommandSend, "lost")
	client.write(frame)

	response := client.read()
	if response.Command != stomp.CommandError {
		t.Fatalf("expected ERROR, got %v", response.Command)
	}
	if response.Body != "Invalid frame; expected 'destination' header." {
		t.Fatalf("unexpected body: %q", response.Body)
	}
	if err := client.readErr(); err == nil {
		t.Fatalf("expected connection to close after ERROR")
	}
}

func TestBodyOnSubscribeRejected(t *testing.T) {
	server := startTestServer(t)
	client := dialTest(t, server)
	client.mustConnect()

	client.writeRaw("SUBSCRIBE\r\ndestination:a\r\nid:s1\r\n\r\nnot allowed\x00")
	response := client.read()
	if response.Command != stomp.CommandError {
		t.Fatalf("expected ERROR, got %v", response.Command)
	}
	if response.Body != "This type of frame may not have a body." {
		t.Fatalf("unexpected body: %q", response.Body)
	}
}

func TestDisconnectReceipt(t *testing.T) {
	server := startTestServer(t)
	client := dialTest(t, server)
	client.mustConnect()

	disconnect := stomp.FromCommand(stomp.CommandDisconnect)
	disconnect.Header.Set("receipt", "bye-77")
	client.write(disconnect)

	response := client.read()
	if response.Command != stomp.CommandReceipt {
		t.Fatalf("expected RECEIPT, got %v", response.Command)
	}
	if id, _ := response.Header.Get("receipt-id"); id != "bye-77" {
		t.Fatalf("unexpected receipt-id: %q", id)
	}
	if err := client.readErr(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean close after DISCONNECT, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func txFrame(command stomp.Command, txID string) *stomp.Frame {
	frame := stomp.FromCommand(command)
	frame.Header.Set("transaction", txID)
	return frame
}

func TestTransactionCommit(t *testing.T) {
	server := startTestServer(t)

	subscriber := dialTest(t, server)
	subscriber.mustConnect()
	subscriber.subscribe("/queue/tx", "sub-1")

	publisher := dialTest(t, server)
	publisher.mustConnect()

	publisher.write(txFrame(stomp.CommandBegin, "tx-1"))
	if r := publisher.read(); r.Command != stomp.CommandReceipt {
		t.Fatalf("begin rejected: %v %q", r.Command, r.Body)
	}

	if r := publisher.send("/queue/tx", "first", "transaction", "tx-1"); r.Command != stomp.CommandReceipt {
		t.Fatalf("send in tx rejected: %v %q", r.Command, r.Body)
	}
	if r := publisher.send("/queue/tx", "second", "transaction", "tx-1"); r.Command != stomp.CommandReceipt {
		t.Fatalf("send in tx rejected: %v %q", r.Command, r.Body)
	}

	// Nothing is visible before COMMIT.
	if err := subscriber.readErr(); err == nil {
		t.Fatalf("transactional send leaked before commit")
	}

	publisher.write(txFrame(stomp.CommandCommit, "tx-1"))
	if r := publisher.read(); r.Command != stomp.CommandReceipt {
		t.Fatalf("commit rejected: %v %q", r.Command, r.Body)
	}

	for _, want := range []string{"first", "second"} {
		message := subscriber.read()
		if message.Command != stomp.CommandMessage || message.Body != want {
			t.Fatalf("expected %q, got %v %q", want, message.Command, message.Body)
		}
	}
}

func TestTransactionAbort(t *testing.T) {
	server := startTestServer(t)

	subscriber := dialTest(t, server)
	subscriber.mustConnect()
	subscriber.subscribe("/queue/tx", "sub-1")

	publisher := dialTest(t, server)
	publisher.mustConnect()

	publisher.write(txFrame(stomp.CommandBegin, "tx-9"))
	publisher.read()
	publisher.send("/queue/tx", "doomed", "transaction", "tx-9")
	publisher.write(txFrame(stomp.CommandAbort, "tx-9"))
	if r := publisher.read(); r.Command != stomp.CommandReceipt {
		t.Fatalf("abort rejected: %v %q", r.Command, r.Body)
	}

	if err := subscriber.readErr(); err == nil {
		t.Fatalf("aborted send was delivered")
	}
}

func TestTransactionErrors(t *testing.T) {
	server := startTestServer(t)

	client := dialTest(t, server)
	client.mustConnect()
	client.write(txFrame(stomp.CommandCommit, "never-began"))
	response := client.read()
	if response.Command != stomp.CommandError {
		t.Fatalf("expected ERROR for unknown transaction, got %v", response.Command)
	}
	if response.Body != "Transaction 'never-began' does not exist." {
		t.Fatalf("unexpected body: %q", response.Body)
	}

	dup := dialTest(t, server)
	dup.mustConnect()
	dup.write(txFrame(stomp.CommandBegin, "tx-dup"))
	dup.read()
	dup.write(txFrame(stomp.CommandBegin, "tx-dup"))
	if response := dup.read(); response.Command != stomp.CommandError {
		t.Fatalf("expected ERROR for duplicate transaction, got %v", response.Command)
	}
}

// ---------------------------------------------------------------------------
// Ordering and concurrency
// ---------------------------------------------------------------------------

func TestPipelinedRequestsAnswerInOrder(t *testing.T) {
	server := startTestServer(t)
	client := dialTest(t, server)
	client.mustConnect()

	const n = 8
	var batch []byte
	for i := 0; i < n; i++ {
		frame := stomp.WithBody(stomp.CommandSend, "payload")
		frame.Header.Set("destination", "/queue/order")
		frame.Header.Set("receipt", fmt.Sprintf("r-%d", i))
		batch = append(batch, frame.Bytes()...)
	}
	client.writeRaw(string(batch))

	for i := 0; i < n; i++ {
		response := client.read()
		if response.Command != stomp.CommandReceipt {
			t.Fatalf("request %d: expected RECEIPT, got %v", i, response.Command)
		}
		want := fmt.Sprintf("r-%d", i)
		if id, _ := response.Header.Get("receipt-id"); id != want {
			t.Fatalf("out of order: expected %q, got %q", want, id)
		}
	}
}

func TestWriteFailureTerminatesSession(t *testing.T) {
	server := startTestServer(t, func(cfg *Config) {
		cfg.WriteTimeout = 200 * time.Millisecond
		cfg.DeliveryDepth = 4
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	decoder := stomp.NewDecoder(conn)

	connect := stomp.FromCommand(stomp.CommandStomp)
	connect.Header.Set("accept-version", stomp.ProtocolVersion)
	connect.Header.Set("host", "localhost")
	if _, err := conn.Write(connect.Bytes()); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	if _, err := decoder.Decode(); err != nil {
		t.Fatalf("handshake read: %v", err)
	}

	// Flood requests without ever reading a response. The bulky receipt
	// value comes back in every RECEIPT, so the unread responses fill the
	// socket buffers and the broker's write deadline expires.
	frame := stomp.WithBody(stomp.CommandSend, "x")
	frame.Header.Set("destination", "/queue/wedge")
	frame.Header.Set("receipt", strings.Repeat("r", 16*1024))
	wire := frame.Bytes()
	for i := 0; i < 512; i++ {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(wire); err != nil {
			break // the broker gave up on us
		}
	}

	// The broker must have terminated the session rather than leaving it
	// blocked on a write path nothing drains.
	stopped := make(chan struct{})
	go func() {
		server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("server wedged on a session with a dead write path")
	}
}

func TestConcurrentSessionsKeepTheirOwnOrder(t *testing.T) {
	server := startTestServer(t)

	const clients = 4
	const requests = 20

	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", server.Addr().String())
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			decoder := stomp.NewDecoder(conn)

			connect := stomp.FromCommand(stomp.CommandStomp)
			connect.Header.Set("accept-version", "1.2")
			connect.Header.Set("host", "localhost")
			if _, err := conn.Write(connect.Bytes()); err != nil {
				errCh <- err
				return
			}
			if _, err := decoder.Decode(); err != nil {
				errCh <- err
				return
			}

			for i := 0; i < requests; i++ {
				frame := stomp.WithBody(stomp.CommandSend, "x")
				frame.Header.Set("destination", fmt.Sprintf("/queue/c%d", c))
				frame.Header.Set("receipt", fmt.Sprintf("c%d-%d", c, i))
				if _, err := conn.Write(frame.Bytes()); err != nil {
					errCh <- err
					return
				}
				response, err := decoder.Decode()
				if err != nil {
					errCh <- err
					return
				}
				want := fmt.Sprintf("c%d-%d", c, i)
				if id, _ := response.Header.Get("receipt-id"); id != want {
					errCh <- fmt.Errorf("client %d: expected receipt %q, got %q", c, want, id)
					return
				}
			}
		}(c)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
