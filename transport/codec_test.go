package transport

import (
	"bytes"
	"testing"

	"github.com/pascal71/sshdevice-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type suite struct {
	cipher string
	mac    string
}

var suites = []suite{
	{CipherAES128CTR, MACHMACSHA256},
	{CipherAES192CTR, MACHMACSHA1},
	{CipherAES256CTR, MACHMACSHA512},
	{CipherAES128CTR, MACHMACSHA256ETM},
	{CipherAES256CTR, MACHMACSHA512ETM},
	{CipherChacha20Poly1305, ""},
}

func (s suite) String() string {
	if s.mac == "" {
		return s.cipher
	}
	return s.cipher + "/" + s.mac
}

func fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// newCipher builds a cipher from fixed key material; calling it twice gives
// a matching sealing and opening pair.
func newCipher(t *testing.T, s suite) packetCipher {
	t.Helper()
	mode := cipherModes[s.cipher]
	require.NotNil(t, mode)
	var (
		mac    *macMode
		macKey []byte
	)
	if s.mac != "" {
		mac = macModes[s.mac]
		require.NotNil(t, mac)
		macKey = fill(mac.keySize, 7)
	}
	pc, err := mode.create(fill(mode.keySize, 1), fill(mode.ivSize, 3), mac, macKey)
	require.NoError(t, err)
	return pc
}

func codecPair(t *testing.T, s suite) (w, r *Codec) {
	w, r = NewCodec(nil), NewCodec(nil)
	w.SetWriteCipher(newCipher(t, s))
	r.SetReadCipher(newCipher(t, s))
	return w, r
}

func TestCodecRoundTrip(t *testing.T) {
	payloads := [][]byte{{94}, fill(100, 9), fill(9000, 11), fill(32768, 13)}
	for _, s := range append([]suite{{CipherNone, ""}}, suites...) {
		t.Run(s.String(), func(t *testing.T) {
			w, r := NewCodec(nil), NewCodec(nil)
			if s.cipher != CipherNone {
				w, r = codecPair(t, s)
			}
			for _, p := range payloads {
				rec, err := w.Encode(p)
				require.NoError(t, err)
				r.Feed(rec)
			}
			for _, want := range payloads {
				got, err := r.Next()
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			_, err := r.Next()
			assert.ErrorIs(t, err, ErrNeedMore)
			assert.Zero(t, r.Buffered())

			ws := w.WriteSequence()
			rs := r.ReadSequence()
			assert.Equal(t, uint32(len(payloads)), ws)
			assert.Equal(t, ws, rs)
		})
	}
}

func TestCodecRecordAlignment(t *testing.T) {
	w := NewCodec(nil)
	w.SetWriteCipher(newCipher(t, suite{CipherAES128CTR, MACHMACSHA256}))
	for n := 1; n < 64; n++ {
		rec, err := w.Encode(fill(n, 0))
		require.NoError(t, err)
		body := len(rec) - 32
		assert.Zero(t, body%16, "payload %d", n)
		assert.GreaterOrEqual(t, body-5-n, minPadding)
	}
}

func TestCodecSplitReads(t *testing.T) {
	payload := fill(9000, 5)
	for _, s := range suites {
		t.Run(s.String(), func(t *testing.T) {
			w, r := codecPair(t, s)
			rec, err := w.Encode(payload)
			require.NoError(t, err)

			r.Feed(rec[:4096])
			_, err = r.Next()
			require.ErrorIs(t, err, ErrNeedMore)

			r.Feed(rec[4096:])
			got, err := r.Next()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got))
		})
	}
}

func TestCodecByteAtATime(t *testing.T) {
	for _, s := range suites {
		t.Run(s.String(), func(t *testing.T) {
			w, r := codecPair(t, s)
			var stream []byte
			for i := 0; i < 3; i++ {
				rec, err := w.Encode(fill(50+i*40, byte(i)))
				require.NoError(t, err)
				stream = append(stream, rec...)
			}

			var got [][]byte
			for _, b := range stream {
				r.Feed([]byte{b})
				p, err := r.Next()
				if err == ErrNeedMore {
					continue
				}
				require.NoError(t, err)
				got = append(got, p)
			}
			require.Len(t, got, 3)
			for i, p := range got {
				assert.Equal(t, fill(50+i*40, byte(i)), p)
			}
		})
	}
}

func TestCodecDetectsTampering(t *testing.T) {
	for _, s := range suites {
		t.Run(s.String(), func(t *testing.T) {
			w, r := codecPair(t, s)
			rec, err := w.Encode(fill(200, 1))
			require.NoError(t, err)
			rec[len(rec)-1] ^= 0x01

			r.Feed(rec)
			_, err = r.Next()
			require.Error(t, err)
			assert.ErrorIs(t, err, sshdevice.ErrIntegrity)

			var ie *IntegrityError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, uint32(0), ie.Seq)
		})
	}
}

func TestCodecRejectsOutOfSequenceRecord(t *testing.T) {
	for _, s := range suites {
		t.Run(s.String(), func(t *testing.T) {
			w, r := codecPair(t, s)
			_, err := w.Encode(fill(40, 1))
			require.NoError(t, err)
			second, err := w.Encode(fill(40, 2))
			require.NoError(t, err)

			r.Feed(second)
			_, err = r.Next()
			assert.ErrorIs(t, err, sshdevice.ErrIntegrity)
		})
	}
}

func TestCodecRejectsOversizedLength(t *testing.T) {
	r := NewCodec(nil)
	r.Feed([]byte{0x7f, 0xff, 0xff, 0xff, 4, 0, 0, 0, 0})
	_, err := r.Next()
	assert.ErrorIs(t, err, sshdevice.ErrIntegrity)
}

func TestCodecCipherSwitchAtRecordBoundary(t *testing.T) {
	s := suite{CipherChacha20Poly1305, ""}
	w, r := NewCodec(nil), NewCodec(nil)

	first, err := w.Encode([]byte{21})
	require.NoError(t, err)
	w.SetWriteCipher(newCipher(t, s))
	second, err := w.Encode(fill(64, 4))
	require.NoError(t, err)

	// Both records arrive in one read; the reader switches keys between them.
	r.Feed(append(first, second...))
	p, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{21}, p)

	r.SetReadCipher(newCipher(t, s))
	p, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, fill(64, 4), p)
}
