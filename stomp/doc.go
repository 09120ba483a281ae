// Package stomp implements the STOMP 1.2 wire protocol: the frame model
// (command, ordered headers, body) and a streaming codec that decodes frames
// from a byte stream and serializes them back.
//
// Decoding is all-or-nothing per frame: any malformation aborts the frame
// and surfaces as a *FrameError whose kind distinguishes bad commands, bad
// headers, bad escapes, missing terminators, and disallowed bodies.
// Transport-level failures (EOF before a frame starts, read errors on the
// command line) are reported as plain I/O errors so callers can tell a
// malformed peer from a lost one.
//
// Encoding never fails. Header escape sequences are decoded on parse but
// not re-applied on serialization; values are written raw.
package stomp
