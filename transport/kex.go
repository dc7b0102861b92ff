package transport

import (
	"crypto"
	"crypto/ecdh"
	_ "crypto/sha256" // registers crypto.SHA256
	_ "crypto/sha512" // registers crypto.SHA384 and crypto.SHA512
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/pascal71/sshdevice-go/wire"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/ssh"
)

// handshakeMagics are the values the exchange hash binds besides the key
// exchange itself.
type handshakeMagics struct {
	clientVersion, serverVersion []byte
	clientKexInit, serverKexInit []byte
}

func (m *handshakeMagics) write(h hash.Hash) {
	writeString(h, m.clientVersion)
	writeString(h, m.serverVersion)
	writeString(h, m.clientKexInit)
	writeString(h, m.serverKexInit)
}

func writeString(h hash.Hash, s []byte) {
	h.Write(wire.AppendString(nil, s))
}

// kexResult captures the outcome of a key exchange.
type kexResult struct {
	H         []byte // exchange hash
	K         []byte // shared secret, mpint encoded
	HostKey   []byte
	Signature []byte
	Hash      crypto.Hash
}

// kexConn is the packet stream a key exchange runs over.
type kexConn interface {
	writeKexPacket(p []byte) error
	readKexPacket() ([]byte, error)
}

type kexAlgorithm interface {
	client(c kexConn, rand io.Reader, magics *handshakeMagics) (*kexResult, error)
}

var kexAlgorithms = map[string]kexAlgorithm{
	KexCurve25519:       curve25519Kex{},
	KexCurve25519LibSSH: curve25519Kex{},
	KexECDHP256:         nistKex{curve: ecdh.P256(), hash: crypto.SHA256},
	KexECDHP384:         nistKex{curve: ecdh.P384(), hash: crypto.SHA384},
	KexECDHP521:         nistKex{curve: ecdh.P521(), hash: crypto.SHA512},
}

// exchangeECDH sends our ephemeral public key and returns the server reply.
func exchangeECDH(c kexConn, pub []byte) (*wire.KexECDHReplyMsg, error) {
	if err := c.writeKexPacket(wire.Marshal(&wire.KexECDHInitMsg{ClientPubKey: pub})); err != nil {
		return nil, err
	}
	p, err := c.readKexPacket()
	if err != nil {
		return nil, err
	}
	var reply wire.KexECDHReplyMsg
	if err := wire.Unmarshal(p, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func ecdhResult(hashFunc crypto.Hash, magics *handshakeMagics, reply *wire.KexECDHReplyMsg, clientPub, secret []byte) *kexResult {
	k := wire.AppendMpint(nil, secret)
	h := hashFunc.New()
	magics.write(h)
	writeString(h, reply.HostKey)
	writeString(h, clientPub)
	writeString(h, reply.EphemeralPubKey)
	h.Write(k)
	return &kexResult{
		H:         h.Sum(nil),
		K:         k,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      hashFunc,
	}
}

// curve25519Kex implements curve25519-sha256 (RFC 8731).
type curve25519Kex struct{}

func (curve25519Kex) client(c kexConn, rand io.Reader, magics *handshakeMagics) (*kexResult, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := io.ReadFull(rand, priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	reply, err := exchangeECDH(c, pub)
	if err != nil {
		return nil, err
	}
	if len(reply.EphemeralPubKey) != curve25519.PointSize {
		return nil, errors.New("server sent a malformed curve25519 public key")
	}
	secret, err := curve25519.X25519(priv[:], reply.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("curve25519 shared secret: %w", err)
	}
	return ecdhResult(crypto.SHA256, magics, reply, pub, secret), nil
}

// nistKex implements ecdh-sha2-nistp* (RFC 5656).
type nistKex struct {
	curve ecdh.Curve
	hash  crypto.Hash
}

func (k nistKex) client(c kexConn, rand io.Reader, magics *handshakeMagics) (*kexResult, error) {
	priv, err := k.curve.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	pub := priv.PublicKey().Bytes()
	reply, err := exchangeECDH(c, pub)
	if err != nil {
		return nil, err
	}
	peer, err := k.curve.NewPublicKey(reply.EphemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("server ephemeral key: %w", err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, err
	}
	return ecdhResult(k.hash, magics, reply, pub, secret), nil
}

// verifyHostSignature checks that the server signed the exchange hash with
// the host key it presented, using the negotiated host key algorithm.
func verifyHostSignature(algo string, res *kexResult) (ssh.PublicKey, error) {
	key, err := ssh.ParsePublicKey(res.HostKey)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	if keyType := hostKeyType(algo); key.Type() != keyType {
		return nil, fmt.Errorf("host key type %s does not match negotiated %s", key.Type(), algo)
	}

	var sig ssh.Signature
	if err := ssh.Unmarshal(res.Signature, &sig); err != nil {
		return nil, fmt.Errorf("parse host signature: %w", err)
	}
	if sig.Format != algo {
		return nil, fmt.Errorf("host signature format %s does not match negotiated %s", sig.Format, algo)
	}
	if err := key.Verify(res.H, &sig); err != nil {
		return nil, fmt.Errorf("exchange hash signature: %w", err)
	}
	return key, nil
}

// hostKeyType maps a host key signature algorithm to its key type.
func hostKeyType(algo string) string {
	switch algo {
	case ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return ssh.KeyAlgoRSA
	}
	return algo
}

// deriveKey computes one of the six session keys (RFC 4253 section 7.2).
func deriveKey(hashFunc crypto.Hash, k, h, sessionID []byte, letter byte, size int) []byte {
	out := make([]byte, 0, size)
	var prev []byte
	for len(out) < size {
		d := hashFunc.New()
		d.Write(k)
		d.Write(h)
		if len(prev) == 0 {
			d.Write([]byte{letter})
			d.Write(sessionID)
		} else {
			d.Write(prev)
		}
		sum := d.Sum(nil)
		out = append(out, sum...)
		prev = append(prev, sum...)
	}
	return out[:size]
}

// newDirectionCipher builds the packet cipher for one direction from the
// key exchange result. Letters are IV, key, MAC key: A C E for client to
// server, B D F for server to client.
func newDirectionCipher(d DirectionAlgorithms, res *kexResult, sessionID []byte, ivTag, keyTag, macTag byte) (packetCipher, error) {
	mode, ok := cipherModes[d.Cipher]
	if !ok {
		return nil, fmt.Errorf("unknown cipher %q", d.Cipher)
	}
	iv := deriveKey(res.Hash, res.K, res.H, sessionID, ivTag, mode.ivSize)
	key := deriveKey(res.Hash, res.K, res.H, sessionID, keyTag, mode.keySize)

	var (
		mac    *macMode
		macKey []byte
	)
	if !mode.aead {
		if mac, ok = macModes[d.MAC]; !ok {
			return nil, fmt.Errorf("unknown MAC %q", d.MAC)
		}
		macKey = deriveKey(res.Hash, res.K, res.H, sessionID, macTag, mac.keySize)
	}
	return mode.create(key, iv, mac, macKey)
}
