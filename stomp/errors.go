package stomp

// Frame decode error kinds.
const (
	ErrInvalidCommand = iota
	ErrMalformedHeader
	ErrInvalidEscape
	ErrMissingHeaderEnd
	ErrBodyEncoding
	ErrBodyNotAllowed
)

// FrameError is a protocol malformation detected while decoding a frame.
// It is distinct from transport errors: a FrameError means the peer sent
// bytes that violate the protocol, and the message text is suitable as the
// body of an ERROR response frame.
type FrameError struct {
	Kind    int
	Message string
}

func (e *FrameError) Error() string { return e.Message }

func newFrameError(kind int) *FrameError {
	var message string
	switch kind {
	case ErrInvalidCommand:
		message = "Invalid command"
	case ErrMalformedHeader:
		message = "Failed to parse header."
	case ErrInvalidEscape:
		message = "Invalid escape sequence"
	case ErrMissingHeaderEnd:
		message = "Missing line breaks after header."
	case ErrBodyEncoding:
		message = "Error decoding body."
	case ErrBodyNotAllowed:
		message = "This type of frame may not have a body."
	default:
		message = "Malformed frame."
	}
	return &FrameError{Kind: kind, Message: message}
}
