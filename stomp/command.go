package stomp

// Command identifies a STOMP frame type.
type Command int

const (
	// Client commands.
	CommandStomp Command = iota
	CommandSend
	CommandSubscribe
	CommandUnsubscribe
	CommandAck
	CommandNack
	CommandBegin
	CommandCommit
	CommandAbort
	CommandDisconnect

	// Server commands.
	CommandConnected
	CommandMessage
	CommandReceipt
	CommandError
)

// commandFromToken maps a wire token to its Command. "CONNECT" is an alias
// that decodes to CommandStomp; it is never produced on encode.
func commandFromToken(token string) (Command, bool) {
	switch token {
	case "SEND":
		return CommandSend, true
	case "SUBSCRIBE":
		return CommandSubscribe, true
	case "UNSUBSCRIBE":
		return CommandUnsubscribe, true
	case "BEGIN":
		return CommandBegin, true
	case "COMMIT":
		return CommandCommit, true
	case "ABORT":
		return CommandAbort, true
	case "ACK":
		return CommandAck, true
	case "NACK":
		return CommandNack, true
	case "DISCONNECT":
		return CommandDisconnect, true
	case "STOMP", "CONNECT":
		return CommandStomp, true
	case "CONNECTED":
		return CommandConnected, true
	case "MESSAGE":
		return CommandMessage, true
	case "RECEIPT":
		return CommandReceipt, true
	case "ERROR":
		return CommandError, true
	}
	return CommandError, false
}

// Token returns the wire token for the command.
func (c Command) Token() string {
	switch c {
	case CommandStomp:
		return "STOMP"
	case CommandSend:
		return "SEND"
	case CommandSubscribe:
		return "SUBSCRIBE"
	case CommandUnsubscribe:
		return "UNSUBSCRIBE"
	case CommandAck:
		return "ACK"
	case CommandNack:
		return "NACK"
	case CommandBegin:
		return "BEGIN"
	case CommandCommit:
		return "COMMIT"
	case CommandAbort:
		return "ABORT"
	case CommandDisconnect:
		return "DISCONNECT"
	case CommandConnected:
		return "CONNECTED"
	case CommandMessage:
		return "MESSAGE"
	case CommandReceipt:
		return "RECEIPT"
	case CommandError:
		return "ERROR"
	}
	return "ERROR"
}

// String implements fmt.Stringer.
func (c Command) String() string { return c.Token() }

// allowsBody reports whether a frame with this command may carry a
// non-empty body.
func (c Command) allowsBody() bool {
	return c == CommandSend || c == CommandMessage || c == CommandError
}
