package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt/hostile length prefix turning
// into an unbounded allocation.
const maxFrameSize = 64 << 20 // 64MiB, comfortably above a packed checkpoint chunk

// WriteFrame writes a u32_be length prefix followed by the gob
// encoding of msg.
func WriteFrame(w io.Writer, msg Message) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	// gob only carries an interface's dynamic type through a pointer to the interface.
	if err := enc.Encode(&msg); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if buf.Len() > maxFrameSize {
		return fmt.Errorf("encode frame: payload %d bytes exceeds max %d", buf.Len(), maxFrameSize)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed gob-encoded Message.
func ReadFrame(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("read frame: length %d exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var msg Message
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}
