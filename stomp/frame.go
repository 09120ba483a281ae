package stomp

import (
	"bytes"
	"strconv"
)

// Protocol constants negotiated during the handshake.
const (
	ProtocolVersion = "1.2"
	ServerID        = "rompd/1.0"
)

// Frame is one protocol message. A non-empty body is only legal for SEND,
// MESSAGE, and ERROR frames; the decoder enforces this, construction does
// not.
type Frame struct {
	Command Command
	Header  Header
	Body    string
}

// NewFrame returns an empty frame. The constructor defaults the command to
// ERROR so an unpopulated response is never mistaken for a success.
func NewFrame() *Frame {
	return &Frame{Command: CommandError}
}

// FromCommand returns a frame with the given command and no headers or body.
func FromCommand(c Command) *Frame {
	return &Frame{Command: c}
}

// WithBody returns a frame with the given command and body. A
// content-length header equal to the body's byte length is appended; it is
// informational only and never consulted when decoding.
func WithBody(c Command, body string) *Frame {
	f := &Frame{Command: c, Body: body}
	f.Header.Set("content-length", strconv.Itoa(len(body)))
	return f
}

// Bytes serializes the frame:
//
//	<COMMAND>\r\n
//	(<key>:<value>\r\n)*
//	\r\n
//	<body>\x00
//
// Encoding never fails.
func (f *Frame) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command.Token())
	buf.WriteString("\r\n")
	f.Header.writeTo(&buf)
	buf.WriteString("\r\n")
	buf.WriteString(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// String returns the serialized frame as a string.
func (f *Frame) String() string { return string(f.Bytes()) }
