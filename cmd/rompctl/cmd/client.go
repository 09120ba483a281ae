package cmd

import (
	"fmt"
	"net"
	"time"

	"github.com/rompd/rompd/stomp"
)

// brokerConn is a minimal STOMP client connection: dial, handshake, then
// synchronous frame exchange. Every read and write is bounded by the
// --timeout flag.
type brokerConn struct {
	conn    net.Conn
	decoder *stomp.Decoder
	server  string
}

func dialBroker() (*brokerConn, error) {
	conn, err := net.DialTimeout("tcp", brokerAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", brokerAddr, err)
	}
	bc := &brokerConn{conn: conn, decoder: stomp.NewDecoder(conn)}

	connect := stomp.FromCommand(stomp.CommandStomp)
	connect.Header.Set("accept-version", stomp.ProtocolVersion)
	connect.Header.Set("host", vhost)
	response, err := bc.exchange(connect)
	if err != nil {
		bc.close()
		return nil, err
	}
	if response.Command != stomp.CommandConnected {
		bc.close()
		return nil, fmt.Errorf("handshake rejected: %s", response.Body)
	}
	bc.server, _ = response.Header.Get("server")
	return bc, nil
}

// exchange writes one frame and reads one frame back.
func (bc *brokerConn) exchange(frame *stomp.Frame) (*stomp.Frame, error) {
	if err := bc.write(frame); err != nil {
		return nil, err
	}
	return bc.read()
}

func (bc *brokerConn) write(frame *stomp.Frame) error {
	_ = bc.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := bc.conn.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", frame.Command, err)
	}
	return nil
}

func (bc *brokerConn) read() (*stomp.Frame, error) {
	_ = bc.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := bc.decoder.Decode()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return frame, nil
}

// readNoDeadline blocks indefinitely; used when tailing a subscription.
func (bc *brokerConn) readNoDeadline() (*stomp.Frame, error) {
	_ = bc.conn.SetReadDeadline(time.Time{})
	return bc.decoder.Decode()
}

func (bc *brokerConn) close() {
	_ = bc.conn.Close()
}

// disconnect performs a clean DISCONNECT exchange before closing.
func (bc *brokerConn) disconnect() {
	frame := stomp.FromCommand(stomp.CommandDisconnect)
	frame.Header.Set("receipt", "bye")
	_, _ = bc.exchange(frame)
	bc.close()
}
