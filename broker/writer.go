package broker

import (
	"bufio"
	"net"
	"sync"
)

// ---------------------------------------------------------------------------
// connWriter — dedicated write goroutine per session.
//
// The session's reader loop and the dispatcher's fan-out both produce frames
// for the same socket; this goroutine is the socket's only writer. It drains
// all available frames before flushing (write coalescing) so bursts of
// MESSAGE deliveries batch into fewer syscalls while a lone frame still
// flushes immediately.
//
// Replies use enqueue (blocking — a response may never be dropped);
// deliveries use deliver (non-blocking — a slow consumer loses fan-out
// traffic rather than stalling the dispatcher).
// ---------------------------------------------------------------------------

type connWriter struct {
	ch   chan []byte
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

func newConnWriter(conn net.Conn, depth int) *connWriter {
	if depth <= 0 {
		depth = 256
	}
	w := &connWriter{
		ch:   make(chan []byte, depth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run(conn)
	return w
}

func (w *connWriter) run(conn net.Conn) {
	defer close(w.done)
	bw := bufio.NewWriter(conn)

	for {
		select {
		case <-w.quit:
			// Flush anything still queued before exiting.
			for {
				select {
				case f := <-w.ch:
					if _, err := bw.Write(f); err != nil {
						return
					}
				default:
					_ = bw.Flush()
					return
				}
			}
		case frame := <-w.ch:
			if _, err := bw.Write(frame); err != nil {
				w.abort()
				return
			}

			// Drain whatever else is pending before flushing.
			drained := false
			for !drained {
				select {
				case f := <-w.ch:
					if _, err := bw.Write(f); err != nil {
						w.abort()
						return
					}
				default:
					drained = true
				}
			}
			if err := bw.Flush(); err != nil {
				w.abort()
				return
			}
		}
	}
}

// abort marks the write path dead. A write or flush failure (deadline
// expiry, peer reset) is a transport error: enqueue and deliver start
// returning false, and the session terminates when it next tries to write.
func (w *connWriter) abort() {
	w.closeOnce.Do(func() { close(w.quit) })
}

// enqueue blocks until the frame is queued or the writer is closed. Used
// for responses, which must not be dropped.
func (w *connWriter) enqueue(frame []byte) bool {
	select {
	case w.ch <- frame:
		return true
	case <-w.quit:
		return false
	}
}

// deliver queues the frame without blocking. A full queue means the
// consumer is not keeping up with fan-out; the frame is dropped and the
// caller decides whether to log.
func (w *connWriter) deliver(frame []byte) bool {
	select {
	case w.ch <- frame:
		return true
	case <-w.quit:
		return false
	default:
		return false
	}
}

// close stops the writer and waits for the final flush. Idempotent; safe
// while the dispatcher still holds a reference (later sends are dropped,
// never a panic).
func (w *connWriter) close() {
	w.abort()
	<-w.done
}
