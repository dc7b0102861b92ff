package transport

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pascal71/sshdevice-go/wire"
	"golang.org/x/crypto/ssh"
)

// Key exchange names.
const (
	KexCurve25519       = "curve25519-sha256"
	KexCurve25519LibSSH = "curve25519-sha256@libssh.org"
	KexECDHP256         = "ecdh-sha2-nistp256"
	KexECDHP384         = "ecdh-sha2-nistp384"
	KexECDHP521         = "ecdh-sha2-nistp521"

	compressionNone = "none"
)

// Algorithms lists the client's preferences for each negotiated category,
// most preferred first. Empty fields take the defaults.
type Algorithms struct {
	KeyExchanges []string
	HostKeys     []string
	Ciphers      []string
	MACs         []string
}

// DefaultAlgorithms returns the preference lists used when none are set.
func DefaultAlgorithms() Algorithms {
	return Algorithms{
		KeyExchanges: []string{KexCurve25519, KexCurve25519LibSSH, KexECDHP256, KexECDHP384, KexECDHP521},
		HostKeys: []string{
			ssh.KeyAlgoED25519,
			ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521,
			ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA,
		},
		Ciphers: []string{CipherChacha20Poly1305, CipherAES128CTR, CipherAES192CTR, CipherAES256CTR},
		MACs:    []string{MACHMACSHA256ETM, MACHMACSHA512ETM, MACHMACSHA256, MACHMACSHA512, MACHMACSHA1},
	}
}

// SupportedAlgorithms returns every algorithm this package implements.
func SupportedAlgorithms() Algorithms { return DefaultAlgorithms() }

func (a Algorithms) withDefaults() Algorithms {
	def := DefaultAlgorithms()
	if len(a.KeyExchanges) == 0 {
		a.KeyExchanges = def.KeyExchanges
	}
	if len(a.HostKeys) == 0 {
		a.HostKeys = def.HostKeys
	}
	if len(a.Ciphers) == 0 {
		a.Ciphers = def.Ciphers
	}
	if len(a.MACs) == 0 {
		a.MACs = def.MACs
	}
	return a
}

// Validate reports names this package does not implement.
func (a Algorithms) Validate() error {
	sup := SupportedAlgorithms()
	check := func(kind string, names, known []string) error {
		for _, n := range names {
			if !slices.Contains(known, n) {
				return fmt.Errorf("unsupported %s algorithm %q", kind, n)
			}
		}
		return nil
	}
	if err := check("key exchange", a.KeyExchanges, sup.KeyExchanges); err != nil {
		return err
	}
	if err := check("host key", a.HostKeys, sup.HostKeys); err != nil {
		return err
	}
	if err := check("cipher", a.Ciphers, sup.Ciphers); err != nil {
		return err
	}
	return check("MAC", a.MACs, sup.MACs)
}

// DirectionAlgorithms are the algorithms in effect for one direction.
type DirectionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
}

// NegotiatedAlgorithms is the outcome of one KEXINIT exchange.
type NegotiatedAlgorithms struct {
	Kex     string
	HostKey string
	Write   DirectionAlgorithms // client to server
	Read    DirectionAlgorithms // server to client
}

func (n NegotiatedAlgorithms) String() string {
	return fmt.Sprintf("kex=%s hostkey=%s c2s=%s/%s s2c=%s/%s",
		n.Kex, n.HostKey, n.Write.Cipher, macName(n.Write), n.Read.Cipher, macName(n.Read))
}

func macName(d DirectionAlgorithms) string {
	if d.MAC == "" {
		return "aead"
	}
	return d.MAC
}

func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		if slices.Contains(server, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no common %s algorithm; client offered %s, server offered %s",
		what, strings.Join(client, ","), strings.Join(server, ","))
}

// negotiate picks, per category, the first client algorithm the server
// supports (RFC 4253 section 7.1).
func negotiate(client *wire.KexInitMsg, server *wire.KexInitMsg) (NegotiatedAlgorithms, error) {
	var (
		res NegotiatedAlgorithms
		err error
	)
	if res.Kex, err = findCommon("key exchange", client.KexAlgos, server.KexAlgos); err != nil {
		return res, err
	}
	if res.HostKey, err = findCommon("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return res, err
	}
	if res.Write.Cipher, err = findCommon("client to server cipher", client.CiphersClientServer, server.CiphersClientServer); err != nil {
		return res, err
	}
	if res.Read.Cipher, err = findCommon("server to client cipher", client.CiphersServerClient, server.CiphersServerClient); err != nil {
		return res, err
	}
	if !isAEAD(res.Write.Cipher) {
		if res.Write.MAC, err = findCommon("client to server MAC", client.MACsClientServer, server.MACsClientServer); err != nil {
			return res, err
		}
	}
	if !isAEAD(res.Read.Cipher) {
		if res.Read.MAC, err = findCommon("server to client MAC", client.MACsServerClient, server.MACsServerClient); err != nil {
			return res, err
		}
	}
	if res.Write.Compression, err = findCommon("client to server compression", client.CompressionClientServer, server.CompressionClientServer); err != nil {
		return res, err
	}
	if res.Read.Compression, err = findCommon("server to client compression", client.CompressionServerClient, server.CompressionServerClient); err != nil {
		return res, err
	}
	return res, nil
}

func isAEAD(name string) bool {
	m, ok := cipherModes[name]
	return ok && m.aead
}

// kexInitFor builds our KEXINIT from the configured preferences.
func kexInitFor(a Algorithms) *wire.KexInitMsg {
	return &wire.KexInitMsg{
		KexAlgos:                a.KeyExchanges,
		ServerHostKeyAlgos:      a.HostKeys,
		CiphersClientServer:     a.Ciphers,
		CiphersServerClient:     a.Ciphers,
		MACsClientServer:        a.MACs,
		MACsServerClient:        a.MACs,
		CompressionClientServer: []string{compressionNone},
		CompressionServerClient: []string{compressionNone},
	}
}
