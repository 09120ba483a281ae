package stomp

import "bytes"

// Header is an ordered sequence of key/value pairs. Duplicate keys are
// permitted and preserved in insertion order; lookups return the first
// match. Set never overwrites.
type Header struct {
	pairs []headerPair
}

type headerPair struct {
	key   string
	value string
}

// Set appends a key/value pair.
func (h *Header) Set(key, value string) {
	h.pairs = append(h.pairs, headerPair{key: key, value: value})
}

// Get returns the value of the first pair with the given key.
func (h *Header) Get(key string) (string, bool) {
	for _, pair := range h.pairs {
		if pair.key == key {
			return pair.value, true
		}
	}
	return "", false
}

// Contains reports whether any pair has the given key.
func (h *Header) Contains(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Len returns the number of stored pairs.
func (h *Header) Len() int { return len(h.pairs) }

// Pairs calls fn for each pair in insertion order.
func (h *Header) Pairs(fn func(key, value string)) {
	for _, pair := range h.pairs {
		fn(pair.key, pair.value)
	}
}

// writeTo serializes the header as key:value\r\n lines in stored order.
// Values are written raw; escapes are not re-applied.
func (h *Header) writeTo(buf *bytes.Buffer) {
	for _, pair := range h.pairs {
		buf.WriteString(pair.key)
		buf.WriteByte(':')
		buf.WriteString(pair.value)
		buf.WriteString("\r\n")
	}
}
