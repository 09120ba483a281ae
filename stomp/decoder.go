package stomp

import (
	"bufio"
	"fmt"
	"io"
	"unicode/utf8"
)

// Decoder reads frames from a byte stream. It is a single-pass state
// machine: command line, header lines, then a NUL-terminated body. There is
// no backtracking and no buffering beyond the current phase's scratch
// buffer, so a Decoder can sit directly on a connection.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads exactly one frame. Protocol malformations are returned as
// *FrameError; transport failures on the command line are returned as plain
// I/O errors (io.EOF when the stream ends cleanly between frames), so the
// caller can tell a malformed peer from a lost one.
//
// Decode is all-or-nothing: on any error the partial frame is discarded.
func (d *Decoder) Decode() (*Frame, error) {
	command, err := d.readCommand()
	if err != nil {
		return nil, err
	}

	frame := FromCommand(command)
	if err := d.readHeader(&frame.Header); err != nil {
		return nil, err
	}

	body, err := d.readBody()
	if err != nil {
		return nil, err
	}
	frame.Body = body

	// Only SEND, MESSAGE and ERROR frames may carry a body. Enforced here
	// rather than at construction so server-built frames are unaffected.
	if len(frame.Body) > 0 && !command.allowsBody() {
		return nil, newFrameError(ErrBodyNotAllowed)
	}

	return frame, nil
}

// readCommand accumulates the command line up to \n, dropping \r bytes.
// Leading blank lines are tolerated (trailing line breaks from the previous
// frame land here).
func (d *Decoder) readCommand() (Command, error) {
	var line []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if len(line) == 0 {
				// Clean boundary between frames; usually io.EOF on peer
				// disconnect.
				return 0, err
			}
			return 0, fmt.Errorf("read command line: %w", err)
		}
		switch b {
		case '\n':
			if len(line) > 0 {
				command, ok := commandFromToken(string(line))
				if !ok {
					return 0, newFrameError(ErrInvalidCommand)
				}
				return command, nil
			}
		case '\r':
		default:
			line = append(line, b)
		}
	}
}

// readHeader consumes header lines until the blank line that ends the
// section. Each completed key/value pair is appended in arrival order;
// duplicates are kept. The first unescaped colon on a line switches
// accumulation from key to value (further unescaped colons are swallowed,
// use \c for a literal colon). A backslash forces the next byte through the
// unescape table.
func (d *Decoder) readHeader(header *Header) error {
	var (
		key, value []byte
		inValue    bool
		eolSeen    = 1 // the command line's \n counts as the first
	)
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			// Stream ended before the blank-line terminator: the frame is
			// malformed at the protocol level, not just truncated.
			return newFrameError(ErrMissingHeaderEnd)
		}
		switch b {
		case '\n':
			eolSeen++
			if eolSeen == 2 {
				return nil
			}
			if len(key) > 0 {
				if !inValue {
					return newFrameError(ErrMalformedHeader)
				}
				header.Set(string(key), string(value))
			}
			key, value = nil, nil
			inValue = false
		case '\r':
		case ':':
			eolSeen = 0
			inValue = true
		case '\\':
			u, err := d.readEscaped()
			if err != nil {
				return err
			}
			eolSeen = 0
			if inValue {
				value = append(value, u)
			} else {
				key = append(key, u)
			}
		default:
			eolSeen = 0
			if inValue {
				value = append(value, b)
			} else {
				key = append(key, b)
			}
		}
	}
}

// readEscaped consumes the byte after a backslash and maps it through the
// escape table. Anything outside the table aborts the frame immediately.
func (d *Decoder) readEscaped() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, newFrameError(ErrMissingHeaderEnd)
	}
	switch b {
	case 'r':
		return '\r', nil
	case 'n':
		return '\n', nil
	case 'c':
		return ':', nil
	case '\\':
		return '\\', nil
	}
	return 0, newFrameError(ErrInvalidEscape)
}

// readBody consumes bytes until a NUL or the end of the stream and
// validates them as UTF-8.
//
// TODO: honor content-length to bound the read; that would let bodies carry
// embedded NUL bytes and stop a peer that never sends NUL from stalling the
// parser until the read deadline.
func (d *Decoder) readBody() (string, error) {
	var body []byte
	for {
		b, err := d.r.ReadByte()
		if err != nil || b == 0 {
			break
		}
		body = append(body, b)
	}
	if !utf8.Valid(body) {
		return "", newFrameError(ErrBodyEncoding)
	}
	return string(body), nil
}
