package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/internal/sshtest"
	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func negotiateWith(t *testing.T, srv *sshtest.Server, cfg Config) (*Transport, error) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.FixedHostKey(srv.HostKey.PublicKey())
	}
	cfg.Logger = logger.NewTest(t)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return Negotiate(conn, srv.Addr, cfg)
}

func requestService(t *testing.T, tr *Transport) {
	t.Helper()
	require.NoError(t, tr.WritePacket(wire.Marshal(&wire.ServiceRequestMsg{Service: "ssh-userauth"})))
	p, err := tr.ReadPacket()
	require.NoError(t, err)
	var accept wire.ServiceAcceptMsg
	require.NoError(t, wire.Unmarshal(p, &accept))
	assert.Equal(t, "ssh-userauth", accept.Service)
}

// noneAuth sends a "none" userauth request and reads the failure reply,
// completing any key exchange the server starts in between.
func noneAuth(t *testing.T, tr *Transport) {
	t.Helper()
	require.NoError(t, tr.WritePacket(wire.Marshal(&wire.UserAuthRequestMsg{
		User: sshtest.DefaultUser, Service: "ssh-connection", Method: "none",
	})))
	p, err := tr.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, byte(wire.MsgUserAuthFailure), p[0])
}

func TestNegotiateAlgorithms(t *testing.T) {
	tests := []struct {
		name   string
		kex    string
		cipher string
		mac    string
	}{
		{"curve25519 chacha", KexCurve25519, CipherChacha20Poly1305, ""},
		{"p256 aes128 hmac", KexECDHP256, CipherAES128CTR, MACHMACSHA256},
		{"p384 aes256 etm", KexECDHP384, CipherAES256CTR, MACHMACSHA512ETM},
		{"p521 aes192 sha1", KexECDHP521, CipherAES192CTR, MACHMACSHA1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := sshtest.Options{
				KeyExchanges: []string{tt.kex},
				Ciphers:      []string{tt.cipher},
			}
			if tt.mac != "" {
				opts.MACs = []string{tt.mac}
			}
			srv := sshtest.Start(t, opts)

			tr, err := negotiateWith(t, srv, Config{})
			require.NoError(t, err)
			defer tr.Close()

			algs := tr.Algorithms()
			assert.Equal(t, tt.kex, algs.Kex)
			assert.Equal(t, tt.cipher, algs.Write.Cipher)
			assert.Equal(t, tt.cipher, algs.Read.Cipher)
			assert.Equal(t, tt.mac, algs.Write.MAC)
			assert.Equal(t, ssh.KeyAlgoED25519, algs.HostKey)
			assert.Equal(t, 1, tr.KexCount())
			assert.Len(t, tr.SessionID(), sessionIDSize[tt.kex])
			assert.Contains(t, tr.ServerVersion(), "SSH-2.0-")

			requestService(t, tr)
		})
	}
}

var sessionIDSize = map[string]int{
	KexCurve25519: 32,
	KexECDHP256:   32,
	KexECDHP384:   48,
	KexECDHP521:   64,
}

func TestNegotiateRejectsUnknownHostKey(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	other := sshtest.NewSigner(t)

	_, err := negotiateWith(t, srv, Config{HostKeyCallback: ssh.FixedHostKey(other.PublicKey())})
	require.Error(t, err)
	assert.ErrorIs(t, err, sshdevice.ErrNegotiation)

	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "hostkey", ne.Stage)
}

func TestNegotiateNoCommonCipher(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Ciphers: []string{CipherChacha20Poly1305}})

	_, err := negotiateWith(t, srv, Config{Algorithms: Algorithms{Ciphers: []string{CipherAES128CTR}}})
	var ne *NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "algorithms", ne.Stage)
	assert.Equal(t, sshdevice.StatusNegotiationFailed, sshdevice.StatusFor(err))
}

func TestNegotiateRejectsUnsupportedPreference(t *testing.T) {
	_, err := Negotiate(nil, "", Config{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Algorithms:      Algorithms{Ciphers: []string{"blowfish-cbc"}},
	})
	assert.ErrorIs(t, err, sshdevice.ErrNegotiation)
}

func TestNegotiateRequiresHostKeyCallback(t *testing.T) {
	_, err := Negotiate(nil, "", Config{})
	assert.ErrorIs(t, err, sshdevice.ErrNegotiation)
}

func TestRequestRekeyQueuesApplicationPackets(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	tr, err := negotiateWith(t, srv, Config{})
	require.NoError(t, err)
	defer tr.Close()

	firstSession := append([]byte(nil), tr.SessionID()...)
	require.NoError(t, tr.RequestRekey())
	// Sent after our KEXINIT, so it is held until the new keys are active.
	requestService(t, tr)

	assert.Equal(t, 2, tr.KexCount())
	assert.Equal(t, firstSession, tr.SessionID())
}

func TestRekeyAfterByteLimit(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	tr, err := negotiateWith(t, srv, Config{RekeyBytes: 16})
	require.NoError(t, err)
	defer tr.Close()

	requestService(t, tr)
	noneAuth(t, tr)

	in, out := tr.BytesTransferred()
	assert.NotZero(t, in)
	assert.NotZero(t, out)
	// The service request crossed the limit and started a second exchange,
	// which completes by the time the "none" request is answered.
	assert.GreaterOrEqual(t, tr.KexCount(), 2)
}

func TestRekeyOnInterval(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	tr, err := negotiateWith(t, srv, Config{RekeyInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	time.Sleep(60 * time.Millisecond)
	requestService(t, tr)
	noneAuth(t, tr)
	assert.GreaterOrEqual(t, tr.KexCount(), 2)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	tr, err := negotiateWith(t, srv, Config{})
	require.NoError(t, err)

	assert.NoError(t, tr.Disconnect(wire.DisconnectByApplication, "bye"))
	assert.NoError(t, tr.Disconnect(wire.DisconnectByApplication, "bye"))
	assert.NoError(t, tr.Close())

	err = tr.WritePacket([]byte{wire.MsgIgnore})
	assert.ErrorIs(t, err, sshdevice.ErrNetwork)
	_, err = tr.ReadPacket()
	assert.Error(t, err)
}

func TestSendUnimplementedAlongsideWriters(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	tr, err := negotiateWith(t, srv, Config{})
	require.NoError(t, err)
	defer tr.Close()
	requestService(t, tr)
	readSeq := tr.codec.ReadSequence()

	ignore := wire.AppendString([]byte{wire.MsgIgnore}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = tr.WritePacket(ignore)
		}()
		go func() {
			defer wg.Done()
			_ = tr.SendUnimplemented()
		}()
	}
	wg.Wait()

	assert.Equal(t, readSeq, tr.codec.ReadSequence(), "writers never touch the read side")
}
