// Package wire implements the length-prefixed framing used by every
// TCP/TLS channel in jobmesh: client<->scheduler, node<->scheduler, and
// the TCP leg of discovery (spec.md §6). Every frame is
//
//	4-byte big-endian length || body
//
// where body is a JSON-encoded Envelope. The one exception is the very
// first bytes of a freshly accepted connection, which carry a raw
// (unframed) auth token — see ReadAuthPrefix.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body to guard against a
// malformed/hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64MiB

// Envelope is the body of every framed message: a command tag (mirroring
// the original protocol's "COMMAND:" line) plus an opaque JSON payload.
type Envelope struct {
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WriteFrame writes cmd+payload as one length-prefixed frame.
func WriteFrame(w io.Writer, cmd string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	env, err := json.Marshal(Envelope{Cmd: cmd, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return WriteRaw(w, env)
}

// WriteRaw writes an already-encoded body as one length-prefixed frame.
func WriteRaw(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes its envelope.
func ReadFrame(r io.Reader) (Envelope, error) {
	body, err := ReadRaw(r)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// ReadRaw reads one length-prefixed frame body without interpreting it.
func ReadRaw(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// Decode unmarshals an envelope's payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ReadAuthPrefix reads exactly authLen raw bytes from a freshly
// accepted connection — the unframed auth token every authenticated
// channel expects before any length-prefixed traffic.
func ReadAuthPrefix(r io.Reader, authLen int) (string, error) {
	buf := make([]byte, authLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read auth prefix: %w", err)
	}
	return string(buf), nil
}

// WriteAuthPrefix writes token as raw unframed bytes — the counterpart to
// ReadAuthPrefix, used when opening a new outbound authenticated
// connection (no length prefix; the peer reads exactly len(token) bytes).
func WriteAuthPrefix(w io.Writer, token string) error {
	_, err := io.WriteString(w, token)
	if err != nil {
		return fmt.Errorf("write auth prefix: %w", err)
	}
	return nil
}
