package transport

import (
	"crypto/rand"
	"errors"
	"io"
)

// Codec turns payloads into binary packet records and back. The write side
// and the read side are independent: each has its own cipher and sequence
// number, and each may be used by a different goroutine, but neither side is
// safe for concurrent use by itself.
type Codec struct {
	rand io.Reader

	writer   packetCipher
	writeSeq uint32

	reader  packetCipher
	readSeq uint32
	rbuf    []byte
}

// NewCodec returns a codec with no encryption in either direction. A nil
// rand uses crypto/rand.
func NewCodec(r io.Reader) *Codec {
	if r == nil {
		r = rand.Reader
	}
	return &Codec{
		rand:   r,
		writer: noneCipher{},
		reader: noneCipher{},
	}
}

// Encode frames payload as the next outbound record.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	out, err := c.writer.seal(c.writeSeq, nil, payload, c.rand)
	if err != nil {
		return nil, err
	}
	c.writeSeq++
	return out, nil
}

// Feed appends bytes read from the connection to the inbound buffer.
func (c *Codec) Feed(p []byte) {
	c.rbuf = append(c.rbuf, p...)
}

// Next decodes the next complete record from the inbound buffer. It returns
// ErrNeedMore when the buffer does not hold a whole record; the partial
// record stays buffered. Records failing verification yield an
// *IntegrityError.
func (c *Codec) Next() ([]byte, error) {
	payload, n, err := c.reader.open(c.readSeq, c.rbuf)
	if err != nil {
		if errors.Is(err, errNeedMore) {
			return nil, ErrNeedMore
		}
		var ie errIntegrity
		if errors.As(err, &ie) {
			return nil, &IntegrityError{Seq: c.readSeq, Reason: string(ie)}
		}
		return nil, err
	}
	c.rbuf = c.rbuf[n:]
	c.readSeq++
	return payload, nil
}

// Buffered returns the number of inbound bytes not yet decoded.
func (c *Codec) Buffered() int { return len(c.rbuf) }

// SetWriteCipher switches outbound encryption. Records encoded after the
// call use the new cipher.
func (c *Codec) SetWriteCipher(pc packetCipher) { c.writer = pc }

// SetReadCipher switches inbound decryption starting with the next record.
func (c *Codec) SetReadCipher(pc packetCipher) { c.reader = pc }

// WriteSequence returns the next outbound sequence number. It belongs to
// the write side.
func (c *Codec) WriteSequence() uint32 { return c.writeSeq }

// ReadSequence returns the next inbound sequence number. It belongs to the
// read side.
func (c *Codec) ReadSequence() uint32 { return c.readSeq }
