// Package wire implements the type-discriminated wire protocol
// described in spec.md §6: every message is a JSON object carrying a
// "type" field. EncodeFrame/ReadFrame/WriteFrame provide 4-byte
// big-endian length-prefixed framing; the endpoints in
// internal/transport do not use it (QUIC carries one message per
// stream, the in-memory endpoint hands each message over whole).
// Messages are decoded once at the transport edge into
// a single tagged Go value and never re-inspected as a loose map
// inside the engine (spec.md §9 "Dynamic dispatch").
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds any single frame regardless of declared type.
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize is the size below which a frame is read in full
	// before its type is known; above it, ReadFrameWithTypeCap sniffs
	// the type from a prefix and applies a per-type cap.
	SoftMaxFrameSize = 64 << 10
	// TypeSniffBytes bounds how much of an oversized frame is scanned
	// looking for the "type" field before giving up.
	TypeSniffBytes = 512
)

// EncodeFrame prefixes payload with its length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("wire: empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("wire: payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("wire: invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithTypeCap reads a frame, applying typeCap(type) as an
// additional size ceiling for frames larger than softMax — so an
// attacker cannot force allocation of MaxFrameSize for a message type
// whose legitimate payloads are always small (e.g. "ping").
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("wire: invalid frame size %d", n)
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	prefixLen := int(n)
	if prefixLen > TypeSniffBytes {
		prefixLen = TypeSniffBytes
	}
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msgType, ok := extractType(prefix)
	if !ok {
		return nil, fmt.Errorf("wire: message too large for type sniff")
	}
	maxSize := 0
	if typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("wire: payload too large for type %s", msgType)
	}
	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes a length-prefixed frame to w, retrying short writes.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("wire: short write")
		}
		total += n
	}
	return nil
}

func extractType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if err := dec.Decode(&hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}

// PeekType extracts the "type" discriminator without fully decoding
// the message, used at the edge to route to the right typed decoder.
func PeekType(data []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type == "" {
		return "", false
	}
	return hdr.Type, true
}
