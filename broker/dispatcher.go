package broker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rompd/rompd/stomp"
)

// ---------------------------------------------------------------------------
// Dispatcher — the single serializing authority.
//
// All sessions funnel registrations, requests, and deregistrations into one
// inbox channel consumed by a single goroutine; that goroutine is the sole
// owner of the connection registry, subscription table, and transaction
// table, so no locking exists anywhere in the routing path. A session keeps
// at most one request in flight, which makes the shared inbox fair across
// connections and preserves per-connection request order.
//
// Contract: every accepted request produces exactly one response frame on
// the requesting session's reply channel. Fan-out deliveries (MESSAGE
// frames) go straight to subscriber writers and are not responses.
// ---------------------------------------------------------------------------

type inboxKind int

const (
	inboxRegister inboxKind = iota
	inboxDeregister
	inboxRequest
)

type inboxMsg struct {
	kind   inboxKind
	connID uint64
	frame  *stomp.Frame
	entry  *registryEntry
}

// registryEntry is the dispatcher's view of one session: the channel it
// answers requests on and the writer it delivers fan-out messages to.
type registryEntry struct {
	connID  uint64
	replyCh chan *stomp.Frame
	writer  *connWriter
}

type subscription struct {
	connID      uint64
	subID       string
	destination string
}

type Dispatcher struct {
	log      zerolog.Logger
	inbox    chan inboxMsg
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// State below is owned exclusively by the run goroutine.
	conns         map[uint64]*registryEntry
	subs          map[string][]*subscription          // destination → subscriptions
	connSubs      map[uint64]map[string]*subscription // connID → subID → subscription
	txs           map[uint64]map[string][]*stomp.Frame
	nextMessageID uint64
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		inbox:    make(chan inboxMsg, 128),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		conns:    make(map[uint64]*registryEntry),
		subs:     make(map[string][]*subscription),
		connSubs: make(map[uint64]map[string]*subscription),
		txs:      make(map[uint64]map[string][]*stomp.Frame),
	}
	go d.run()
	return d
}

// Stop terminates the dispatch loop. Idempotent. In-flight sessions
// unblock: Submit returns false and pending reply waits are abandoned by
// the sessions' own response timeouts.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
	<-d.done
}

// Register adds a session to the registry and returns the channel its
// responses arrive on. The registration travels through the same inbox as
// requests, so it is always processed before anything the session submits
// afterwards.
func (d *Dispatcher) Register(connID uint64, writer *connWriter) <-chan *stomp.Frame {
	entry := &registryEntry{
		connID:  connID,
		replyCh: make(chan *stomp.Frame, 1),
		writer:  writer,
	}
	select {
	case d.inbox <- inboxMsg{kind: inboxRegister, connID: connID, entry: entry}:
	case <-d.quit:
	}
	return entry.replyCh
}

// Deregister removes the session's registry entry, its subscriptions, and
// aborts its open transactions.
func (d *Dispatcher) Deregister(connID uint64) {
	select {
	case d.inbox <- inboxMsg{kind: inboxDeregister, connID: connID}:
	case <-d.quit:
	}
}

// Submit hands one request frame to the dispatcher. Returns false when the
// dispatcher has stopped.
func (d *Dispatcher) Submit(connID uint64, frame *stomp.Frame) bool {
	select {
	case d.inbox <- inboxMsg{kind: inboxRequest, connID: connID, frame: frame}:
		return true
	case <-d.quit:
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case msg := <-d.inbox:
			switch msg.kind {
			case inboxRegister:
				d.conns[msg.connID] = msg.entry
				d.log.Debug().Uint64("conn", msg.connID).Msg("session registered")
			case inboxDeregister:
				d.removeConn(msg.connID)
			case inboxRequest:
				entry, ok := d.conns[msg.connID]
				if !ok {
					// Session deregistered between submit and dispatch;
					// nobody is waiting for the reply.
					continue
				}
				entry.replyCh <- d.handle(entry, msg.frame)
			}
		}
	}
}

func (d *Dispatcher) removeConn(connID uint64) {
	for _, sub := range d.connSubs[connID] {
		d.dropSubscription(sub)
	}
	delete(d.connSubs, connID)
	if open := d.txs[connID]; len(open) > 0 {
		d.log.Debug().Uint64("conn", connID).Int("transactions", len(open)).
			Msg("aborting open transactions on close")
	}
	delete(d.txs, connID)
	delete(d.conns, connID)
}

func (d *Dispatcher) dropSubscription(sub *subscription) {
	list := d.subs[sub.destination]
	for i, s := range list {
		if s == sub {
			d.subs[sub.destination] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.subs[sub.destination]) == 0 {
		delete(d.subs, sub.destination)
	}
}

// ---------------------------------------------------------------------------
// Request handling. Exactly one response frame per request; an ERROR
// response causes the session to close the connection afterwards.
// ---------------------------------------------------------------------------

func (d *Dispatcher) handle(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	switch frame.Command {
	case stomp.CommandSend:
		return d.handleSend(entry, frame)
	case stomp.CommandSubscribe:
		return d.handleSubscribe(entry, frame)
	case stomp.CommandUnsubscribe:
		return d.handleUnsubscribe(entry, frame)
	case stomp.CommandAck, stomp.CommandNack:
		return d.handleAck(entry, frame)
	case stomp.CommandBegin:
		return d.handleBegin(entry, frame)
	case stomp.CommandCommit:
		return d.handleCommit(entry, frame)
	case stomp.CommandAbort:
		return d.handleAbort(entry, frame)
	case stomp.CommandDisconnect:
		return receiptFor(frame)
	case stomp.CommandStomp:
		return errorFor(frame, "session already established",
			"Invalid command; session is already established.")
	default:
		return errorFor(frame, "unexpected command",
			fmt.Sprintf("Invalid command; %s is a server frame.", frame.Command))
	}
}

func (d *Dispatcher) handleSend(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	destination, ok := frame.Header.Get("destination")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'destination' header.")
	}

	if txID, ok := frame.Header.Get("transaction"); ok {
		tx, exists := d.txs[entry.connID][txID]
		if !exists {
			return errorFor(frame, "unknown transaction",
				fmt.Sprintf("Transaction '%s' does not exist.", txID))
		}
		d.txs[entry.connID][txID] = append(tx, frame)
		return receiptFor(frame)
	}

	d.publish(destination, frame)
	return receiptFor(frame)
}

// publish fans a SEND out to every subscription on its destination as a
// MESSAGE frame. Custom headers travel with the message; broker-assigned
// headers (message-id, subscription) are set per subscriber.
func (d *Dispatcher) publish(destination string, frame *stomp.Frame) {
	subs := d.subs[destination]
	if len(subs) == 0 {
		return
	}

	d.nextMessageID++
	messageID := fmt.Sprintf("msg-%d", d.nextMessageID)

	for _, sub := range subs {
		target, ok := d.conns[sub.connID]
		if !ok {
			continue
		}
		message := stomp.WithBody(stomp.CommandMessage, frame.Body)
		message.Header.Set("destination", destination)
		message.Header.Set("message-id", messageID)
		message.Header.Set("subscription", sub.subID)
		frame.Header.Pairs(func(key, value string) {
			switch key {
			case "destination", "receipt", "transaction", "content-length":
			default:
				message.Header.Set(key, value)
			}
		})
		if !target.writer.deliver(message.Bytes()) {
			d.log.Warn().Uint64("conn", sub.connID).Str("destination", destination).
				Msg("delivery dropped, subscriber not keeping up")
		}
	}
}

func (d *Dispatcher) handleSubscribe(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	destination, ok := frame.Header.Get("destination")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'destination' header.")
	}
	subID, ok := frame.Header.Get("id")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'id' header.")
	}
	if _, exists := d.connSubs[entry.connID][subID]; exists {
		return errorFor(frame, "duplicate subscription",
			fmt.Sprintf("Subscription '%s' already exists.", subID))
	}

	sub := &subscription{connID: entry.connID, subID: subID, destination: destination}
	d.subs[destination] = append(d.subs[destination], sub)
	if d.connSubs[entry.connID] == nil {
		d.connSubs[entry.connID] = make(map[string]*subscription)
	}
	d.connSubs[entry.connID][subID] = sub

	d.log.Debug().Uint64("conn", entry.connID).Str("destination", destination).
		Str("sub", subID).Msg("subscribed")
	return receiptFor(frame)
}

func (d *Dispatcher) handleUnsubscribe(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	subID, ok := frame.Header.Get("id")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'id' header.")
	}
	sub, exists := d.connSubs[entry.connID][subID]
	if !exists {
		return errorFor(frame, "unknown subscription",
			fmt.Sprintf("Subscription '%s' does not exist.", subID))
	}

	d.dropSubscription(sub)
	delete(d.connSubs[entry.connID], subID)
	return receiptFor(frame)
}

// handleAck covers ACK and NACK. Delivery is at-most-once: the frame is
// validated and acknowledged but nothing is tracked and NACK never
// redelivers.
func (d *Dispatcher) handleAck(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	if _, ok := frame.Header.Get("id"); !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'id' header.")
	}
	return receiptFor(frame)
}

func (d *Dispatcher) handleBegin(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	txID, ok := frame.Header.Get("transaction")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'transaction' header.")
	}
	if _, exists := d.txs[entry.connID][txID]; exists {
		return errorFor(frame, "duplicate transaction",
			fmt.Sprintf("Transaction '%s' already exists.", txID))
	}
	if d.txs[entry.connID] == nil {
		d.txs[entry.connID] = make(map[string][]*stomp.Frame)
	}
	d.txs[entry.connID][txID] = []*stomp.Frame{}
	return receiptFor(frame)
}

func (d *Dispatcher) handleCommit(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	txID, ok := frame.Header.Get("transaction")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'transaction' header.")
	}
	buffered, exists := d.txs[entry.connID][txID]
	if !exists {
		return errorFor(frame, "unknown transaction",
			fmt.Sprintf("Transaction '%s' does not exist.", txID))
	}

	for _, send := range buffered {
		destination, _ := send.Header.Get("destination")
		d.publish(destination, send)
	}
	delete(d.txs[entry.connID], txID)
	return receiptFor(frame)
}

func (d *Dispatcher) handleAbort(entry *registryEntry, frame *stomp.Frame) *stomp.Frame {
	txID, ok := frame.Header.Get("transaction")
	if !ok {
		return errorFor(frame, "missing header",
			"Invalid frame; expected 'transaction' header.")
	}
	if _, exists := d.txs[entry.connID][txID]; !exists {
		return errorFor(frame, "unknown transaction",
			fmt.Sprintf("Transaction '%s' does not exist.", txID))
	}
	delete(d.txs[entry.connID], txID)
	return receiptFor(frame)
}

// receiptFor builds the single response frame for an accepted request. The
// receipt-id header is only present when the request asked for one.
func receiptFor(request *stomp.Frame) *stomp.Frame {
	receipt := stomp.FromCommand(stomp.CommandReceipt)
	if id, ok := request.Header.Get("receipt"); ok {
		receipt.Header.Set("receipt-id", id)
	}
	return receipt
}

// errorFor builds an ERROR response. ERROR is terminal: the session closes
// the connection after writing it.
func errorFor(request *stomp.Frame, short, body string) *stomp.Frame {
	response := stomp.WithBody(stomp.CommandError, body)
	response.Header.Set("message", short)
	if id, ok := request.Header.Get("receipt"); ok {
		response.Header.Set("receipt-id", id)
	}
	return response
}
