package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DefaultCharset is the charset assumed for channel data.
const DefaultCharset = "utf-8"

// Decoder turns a byte stream into text, holding back a multi-byte
// sequence split across reads until the rest arrives. A Decoder is not
// safe for concurrent use.
type Decoder struct {
	charset string
	// dec is nil for UTF-8, which passes through unchanged.
	dec     transform.Transformer
	pending []byte
}

// NewDecoder returns a decoder for an IANA charset name such as "utf-8",
// "iso-8859-1" or "windows-1252".
func NewDecoder(charset string) (*Decoder, error) {
	if charset == "" || isUTF8(charset) {
		return &Decoder{charset: DefaultCharset}, nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q is not supported", charset)
	}
	name, _ := ianaindex.IANA.Name(enc)
	if name == "" {
		name = charset
	}
	return &Decoder{charset: strings.ToLower(name), dec: enc.NewDecoder()}, nil
}

func isUTF8(name string) bool {
	switch strings.ToLower(name) {
	case "utf-8", "utf8":
		return true
	}
	return false
}

// Charset returns the canonical name of the decoded charset.
func (d *Decoder) Charset() string { return d.charset }

// Decode returns the text for p plus any bytes held back from earlier
// calls, minus a trailing incomplete sequence.
func (d *Decoder) Decode(p []byte) string {
	buf := append(d.pending, p...)
	d.pending = nil
	if d.dec == nil {
		cut := utf8Boundary(buf)
		if cut < len(buf) {
			d.pending = append([]byte(nil), buf[cut:]...)
		}
		return string(buf[:cut])
	}
	return d.transform(buf, false)
}

// Flush returns whatever is still held back. For UTF-8 the bytes are
// returned as they are, so the concatenated output always equals the input.
func (d *Decoder) Flush() string {
	buf := d.pending
	d.pending = nil
	if len(buf) == 0 {
		return ""
	}
	if d.dec == nil {
		return string(buf)
	}
	return d.transform(buf, true)
}

func (d *Decoder) transform(src []byte, atEOF bool) string {
	var out strings.Builder
	dst := make([]byte, 2*len(src)+utf8.UTFMax)
	for len(src) > 0 {
		nDst, nSrc, err := d.dec.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]
		switch {
		case err == nil:
			continue
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return out.String()
		default:
			// Undecodable input is replaced rather than dropped.
			out.WriteRune(utf8.RuneError)
			if len(src) > 0 {
				src = src[1:]
			}
			d.dec.Reset()
		}
	}
	return out.String()
}

// utf8Boundary returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence. Invalid bytes count as complete.
func utf8Boundary(b []byte) int {
	n := len(b)
	for i := 1; i <= utf8.UTFMax-1 && i <= n; i++ {
		c := b[n-i]
		if c < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[n-i:]) {
				return n
			}
			return n - i
		}
	}
	return n
}
