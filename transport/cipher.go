package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// maxPacket is the largest packet_length accepted from the peer.
	maxPacket = 256 * 1024

	minBlockSize = 8
	minPadding   = 4
)

// Cipher and MAC names.
const (
	CipherNone             = "none"
	CipherAES128CTR        = "aes128-ctr"
	CipherAES192CTR        = "aes192-ctr"
	CipherAES256CTR        = "aes256-ctr"
	CipherChacha20Poly1305 = "chacha20-poly1305@openssh.com"

	MACHMACSHA256    = "hmac-sha2-256"
	MACHMACSHA512    = "hmac-sha2-512"
	MACHMACSHA1      = "hmac-sha1"
	MACHMACSHA256ETM = "hmac-sha2-256-etm@openssh.com"
	MACHMACSHA512ETM = "hmac-sha2-512-etm@openssh.com"
)

// packetCipher seals and opens whole binary packets for one direction.
type packetCipher interface {
	// seal appends the framed, encrypted and authenticated record carrying
	// payload to dst.
	seal(seq uint32, dst, payload []byte, rand io.Reader) ([]byte, error)

	// open decodes the record at the start of src. It returns errNeedMore
	// when src does not hold the whole record yet; it may then be called
	// again with src extended by more bytes.
	open(seq uint32, src []byte) (payload []byte, n int, err error)
}

var errNeedMore = ErrNeedMore

// errIntegrity is the internal form of an IntegrityError; Codec adds the
// sequence number.
type errIntegrity string

func (e errIntegrity) Error() string { return string(e) }

type cipherMode struct {
	keySize int
	ivSize  int
	aead    bool
	create  func(key, iv []byte, mac *macMode, macKey []byte) (packetCipher, error)
}

var cipherModes = map[string]*cipherMode{
	CipherAES128CTR:        {keySize: 16, ivSize: aes.BlockSize, create: newCTRCipher},
	CipherAES192CTR:        {keySize: 24, ivSize: aes.BlockSize, create: newCTRCipher},
	CipherAES256CTR:        {keySize: 32, ivSize: aes.BlockSize, create: newCTRCipher},
	CipherChacha20Poly1305: {keySize: 64, ivSize: 0, aead: true, create: newChachaCipher},
}

type macMode struct {
	keySize int
	etm     bool
	new     func(key []byte) hash.Hash
}

var macModes = map[string]*macMode{
	MACHMACSHA256ETM: {32, true, func(k []byte) hash.Hash { return hmac.New(sha256.New, k) }},
	MACHMACSHA512ETM: {64, true, func(k []byte) hash.Hash { return hmac.New(sha512.New, k) }},
	MACHMACSHA256:    {32, false, func(k []byte) hash.Hash { return hmac.New(sha256.New, k) }},
	MACHMACSHA512:    {64, false, func(k []byte) hash.Hash { return hmac.New(sha512.New, k) }},
	MACHMACSHA1:      {20, false, func(k []byte) hash.Hash { return hmac.New(sha1.New, k) }},
}

// paddingFor returns the padding length that aligns n bytes to blockSize
// while keeping at least minPadding bytes of padding.
func paddingFor(n, blockSize int) int {
	padding := blockSize - n%blockSize
	if padding < minPadding {
		padding += blockSize
	}
	return padding
}

// frame builds packet_length || padding_length || payload || padding.
// alignExtra is the number of leading bytes counted in the alignment
// (4 when the length field is encrypted with the rest, 0 otherwise).
func frame(payload []byte, blockSize, alignExtra int, rand io.Reader) ([]byte, error) {
	padding := paddingFor(alignExtra+1+len(payload), blockSize)
	length := 1 + len(payload) + padding
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(padding)
	copy(buf[5:], payload)
	if _, err := io.ReadFull(rand, buf[5+len(payload):]); err != nil {
		return nil, fmt.Errorf("read padding: %w", err)
	}
	return buf, nil
}

// unframe extracts the payload from padding_length || payload || padding.
func unframe(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, errIntegrity("empty packet")
	}
	padding := int(body[0])
	if padding+1 > len(body) {
		return nil, errIntegrity(fmt.Sprintf("padding length %d exceeds packet", padding))
	}
	return body[1 : len(body)-padding], nil
}

// noneCipher is in effect until the first NEWKEYS.
type noneCipher struct{}

func (noneCipher) seal(_ uint32, dst, payload []byte, rand io.Reader) ([]byte, error) {
	buf, err := frame(payload, minBlockSize, 4, rand)
	if err != nil {
		return nil, err
	}
	return append(dst, buf...), nil
}

func (noneCipher) open(_ uint32, src []byte) ([]byte, int, error) {
	if len(src) < 4 {
		return nil, 0, errNeedMore
	}
	length := binary.BigEndian.Uint32(src)
	if length > maxPacket || length < minPadding+1 {
		return nil, 0, errIntegrity(fmt.Sprintf("invalid packet length %d", length))
	}
	total := 4 + int(length)
	if len(src) < total {
		return nil, 0, errNeedMore
	}
	payload, err := unframe(src[4:total])
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), payload...), total, nil
}

// ctrCipher implements AES-CTR with an HMAC, either encrypt-and-MAC or
// encrypt-then-MAC.
type ctrCipher struct {
	stream cipher.Stream
	mac    hash.Hash
	etm    bool

	// Decrypted first block of the record being read, kept across open
	// calls because decrypting it advanced the keystream.
	hdr    []byte
	length uint32
}

func newCTRCipher(key, iv []byte, mac *macMode, macKey []byte) (packetCipher, error) {
	if mac == nil {
		return nil, errors.New("ssh: ctr cipher requires a MAC")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &ctrCipher{
		stream: cipher.NewCTR(block, iv),
		mac:    mac.new(macKey),
		etm:    mac.etm,
	}, nil
}

func (c *ctrCipher) sum(seq uint32, data []byte) []byte {
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	c.mac.Reset()
	c.mac.Write(seqBuf[:])
	c.mac.Write(data)
	return c.mac.Sum(nil)
}

func (c *ctrCipher) seal(seq uint32, dst, payload []byte, rand io.Reader) ([]byte, error) {
	if c.etm {
		buf, err := frame(payload, aes.BlockSize, 0, rand)
		if err != nil {
			return nil, err
		}
		c.stream.XORKeyStream(buf[4:], buf[4:])
		dst = append(dst, buf...)
		return append(dst, c.sum(seq, buf)...), nil
	}

	buf, err := frame(payload, aes.BlockSize, 4, rand)
	if err != nil {
		return nil, err
	}
	mac := c.sum(seq, buf)
	c.stream.XORKeyStream(buf, buf)
	dst = append(dst, buf...)
	return append(dst, mac...), nil
}

func (c *ctrCipher) open(seq uint32, src []byte) ([]byte, int, error) {
	if c.etm {
		return c.openETM(seq, src)
	}

	const bs = aes.BlockSize
	if c.hdr == nil {
		if len(src) < bs {
			return nil, 0, errNeedMore
		}
		c.hdr = make([]byte, bs)
		c.stream.XORKeyStream(c.hdr, src[:bs])
		c.length = binary.BigEndian.Uint32(c.hdr)
		if c.length > maxPacket || c.length+4 < bs || (c.length+4)%bs != 0 {
			return nil, 0, errIntegrity(fmt.Sprintf("invalid packet length %d", c.length))
		}
	}

	macSize := c.mac.Size()
	end := 4 + int(c.length)
	if len(src) < end+macSize {
		return nil, 0, errNeedMore
	}

	plain := make([]byte, end)
	copy(plain, c.hdr)
	c.stream.XORKeyStream(plain[bs:], src[bs:end])
	c.hdr = nil

	if !hmac.Equal(c.sum(seq, plain), src[end:end+macSize]) {
		return nil, 0, errIntegrity("MAC mismatch")
	}
	payload, err := unframe(plain[4:])
	if err != nil {
		return nil, 0, err
	}
	return payload, end + macSize, nil
}

func (c *ctrCipher) openETM(seq uint32, src []byte) ([]byte, int, error) {
	const bs = aes.BlockSize
	if len(src) < 4 {
		return nil, 0, errNeedMore
	}
	length := binary.BigEndian.Uint32(src)
	if length > maxPacket || length < bs || length%bs != 0 {
		return nil, 0, errIntegrity(fmt.Sprintf("invalid packet length %d", length))
	}

	macSize := c.mac.Size()
	end := 4 + int(length)
	if len(src) < end+macSize {
		return nil, 0, errNeedMore
	}
	if !hmac.Equal(c.sum(seq, src[:end]), src[end:end+macSize]) {
		return nil, 0, errIntegrity("MAC mismatch")
	}

	plain := make([]byte, length)
	c.stream.XORKeyStream(plain, src[4:end])
	payload, err := unframe(plain)
	if err != nil {
		return nil, 0, err
	}
	return payload, end + macSize, nil
}

// chachaCipher implements chacha20-poly1305@openssh.com. The first half of
// the 64-byte key encrypts the packet body, the second half the length.
type chachaCipher struct {
	contentKey [32]byte
	lengthKey  [32]byte
}

func newChachaCipher(key, _ []byte, _ *macMode, _ []byte) (packetCipher, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("ssh: chacha20-poly1305 key must be 64 bytes, got %d", len(key))
	}
	c := &chachaCipher{}
	copy(c.contentKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func chachaNonce(seq uint32) []byte {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], seq)
	return nonce
}

// streams returns the body cipher, positioned at block 1, and the poly1305
// key taken from block 0.
func (c *chachaCipher) streams(nonce []byte) (*chacha20.Cipher, *[32]byte, error) {
	s, err := chacha20.NewUnauthenticatedCipher(c.contentKey[:], nonce)
	if err != nil {
		return nil, nil, err
	}
	var polyKey [32]byte
	s.XORKeyStream(polyKey[:], polyKey[:])
	s.SetCounter(1)
	return s, &polyKey, nil
}

func (c *chachaCipher) xorLength(nonce, dst, src []byte) error {
	ls, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], nonce)
	if err != nil {
		return err
	}
	ls.XORKeyStream(dst, src)
	return nil
}

func (c *chachaCipher) seal(seq uint32, dst, payload []byte, rand io.Reader) ([]byte, error) {
	nonce := chachaNonce(seq)
	s, polyKey, err := c.streams(nonce)
	if err != nil {
		return nil, err
	}

	buf, err := frame(payload, minBlockSize, 0, rand)
	if err != nil {
		return nil, err
	}
	if err := c.xorLength(nonce, buf[:4], buf[:4]); err != nil {
		return nil, err
	}
	s.XORKeyStream(buf[4:], buf[4:])

	var tag [poly1305.TagSize]byte
	poly1305.Sum(&tag, buf, polyKey)
	dst = append(dst, buf...)
	return append(dst, tag[:]...), nil
}

func (c *chachaCipher) open(seq uint32, src []byte) ([]byte, int, error) {
	if len(src) < 4 {
		return nil, 0, errNeedMore
	}
	nonce := chachaNonce(seq)

	var lenBuf [4]byte
	if err := c.xorLength(nonce, lenBuf[:], src[:4]); err != nil {
		return nil, 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxPacket || length < minPadding+1 {
		return nil, 0, errIntegrity(fmt.Sprintf("invalid packet length %d", length))
	}

	end := 4 + int(length)
	if len(src) < end+poly1305.TagSize {
		return nil, 0, errNeedMore
	}

	s, polyKey, err := c.streams(nonce)
	if err != nil {
		return nil, 0, err
	}
	var tag [poly1305.TagSize]byte
	copy(tag[:], src[end:end+poly1305.TagSize])
	if !poly1305.Verify(&tag, src[:end], polyKey) {
		return nil, 0, errIntegrity("poly1305 tag mismatch")
	}

	plain := make([]byte, length)
	s.XORKeyStream(plain, src[4:end])
	payload, err := unframe(plain)
	if err != nil {
		return nil, 0, err
	}
	return payload, end + poly1305.TagSize, nil
}
