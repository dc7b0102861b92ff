// Package transport implements the client side of the SSH transport layer
// (RFC 4253): version exchange, algorithm negotiation, ECDH key exchange,
// the binary packet codec and rekeying.
package transport

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/metrics"
	"github.com/pascal71/sshdevice-go/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultRekeyBytes    = 1 << 30
	DefaultRekeyInterval = time.Hour
	DefaultKexTimeout    = 30 * time.Second

	readBufferSize = 32 * 1024
)

// Config configures a client transport.
type Config struct {
	Algorithms Algorithms

	// HostKeyCallback decides whether the server's host key is trusted.
	// It is required.
	HostKeyCallback ssh.HostKeyCallback

	ClientVersion string

	// RekeyBytes triggers a new key exchange once this many payload bytes
	// have been sent or received under the current keys.
	RekeyBytes uint64
	// RekeyInterval triggers a new key exchange after this much time under
	// the current keys. Negative disables time-based rekeying.
	RekeyInterval time.Duration
	// KexTimeout bounds a rekey; the transport fails if it takes longer.
	KexTimeout time.Duration

	Rand    io.Reader
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	c.Algorithms = c.Algorithms.withDefaults()
	if c.ClientVersion == "" {
		c.ClientVersion = DefaultClientVersion
	}
	if c.RekeyBytes == 0 {
		c.RekeyBytes = DefaultRekeyBytes
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
	if c.KexTimeout <= 0 {
		c.KexTimeout = DefaultKexTimeout
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	c.Logger = logger.OrNop(c.Logger)
	return c
}

// Transport is an established, encrypted SSH transport. ReadPacket must be
// called from one goroutine at a time; WritePacket is safe for concurrent
// use.
type Transport struct {
	conn    net.Conn
	addr    string
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	clientVersion []byte
	serverVersion []byte
	sessionID     []byte
	hostKey       ssh.PublicKey

	codec *Codec

	// Reader side, owned by the goroutine calling ReadPacket.
	rbuf    []byte
	readErr error
	bytesIn uint64

	writeMu     sync.Mutex
	kexInit     []byte   // our KEXINIT while a key exchange is in progress
	pending     [][]byte // application packets held back during a key exchange
	bytesOut    uint64
	writeErr    error
	closed      bool
	kexWatchdog *time.Timer
	rekeyTimer  *time.Timer

	infoMu   sync.Mutex
	algs     NegotiatedAlgorithms
	kexCount int
	fatalErr error

	totalIn  atomic.Uint64
	totalOut atomic.Uint64
}

// Negotiate runs the version exchange and the initial key exchange over
// conn. addr is the host:port passed to the host key callback. The caller
// bounds the handshake by closing conn.
func Negotiate(conn net.Conn, addr string, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.HostKeyCallback == nil {
		return nil, negotiationErr("hostkey", errors.New("no host key callback configured"))
	}
	if err := cfg.Algorithms.Validate(); err != nil {
		return nil, negotiationErr("algorithms", err)
	}

	t := &Transport{
		conn:          conn,
		addr:          addr,
		cfg:           cfg,
		log:           cfg.Logger.Named("transport"),
		metrics:       cfg.Metrics,
		clientVersion: []byte(cfg.ClientVersion),
		codec:         NewCodec(cfg.Rand),
		rbuf:          make([]byte, readBufferSize),
	}

	if err := writeVersion(conn, cfg.ClientVersion); err != nil {
		return nil, err
	}
	serverVersion, err := readVersion(conn)
	if err != nil {
		return nil, err
	}
	t.serverVersion = []byte(serverVersion)
	t.log.Debug("version exchange complete",
		zap.String("addr", addr),
		zap.String("server_version", serverVersion))

	t.writeMu.Lock()
	err = t.sendKexInitLocked()
	t.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	p, err := t.readKexPacket()
	if err != nil {
		return nil, err
	}
	if p[0] != wire.MsgKexInit {
		return nil, negotiationErr("kex", fmt.Errorf("expected kexinit, got %s", wire.Name(p)))
	}
	if err := t.runKex(p); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadPacket returns the next packet above the transport layer. Key
// exchanges started by either side are completed inline; IGNORE, DEBUG and
// UNIMPLEMENTED messages are consumed. A DISCONNECT from the peer is
// returned as a *DisconnectError.
func (t *Transport) ReadPacket() ([]byte, error) {
	for {
		p, err := t.readRecord()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case wire.MsgIgnore, wire.MsgExtInfo:
			continue
		case wire.MsgDebug:
			var msg wire.DebugMsg
			if wire.Unmarshal(p, &msg) == nil {
				t.log.Debug("peer debug message", zap.String("message", msg.Message))
			}
			continue
		case wire.MsgUnimplemented:
			var msg wire.UnimplementedMsg
			if wire.Unmarshal(p, &msg) == nil {
				t.log.Warn("peer did not implement a message we sent", zap.Uint32("seq", msg.SeqNum))
			}
			continue
		case wire.MsgDisconnect:
			return nil, t.peerDisconnect(p)
		case wire.MsgKexInit:
			if err := t.runKex(p); err != nil {
				return nil, err
			}
			continue
		case wire.MsgNewKeys, wire.MsgKexECDHInit, wire.MsgKexECDHReply:
			return nil, protocolErr("unexpected %s outside key exchange", wire.Name(p))
		}

		if t.bytesIn >= t.cfg.RekeyBytes {
			if err := t.RequestRekey(); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

// WritePacket encrypts and sends p. While a key exchange is in progress the
// packet is queued and sent, in order, right after the new keys are in use.
func (t *Transport) WritePacket(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	if t.kexInit != nil {
		t.pending = append(t.pending, append([]byte(nil), p...))
		return nil
	}
	if err := t.writeRecordLocked(p); err != nil {
		return err
	}
	if t.bytesOut >= t.cfg.RekeyBytes {
		return t.sendKexInitLocked()
	}
	return nil
}

// RequestRekey starts a key exchange unless one is already in progress.
func (t *Transport) RequestRekey() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	return t.sendKexInitLocked()
}

// SendUnimplemented tells the peer the last packet returned by ReadPacket
// was not understood. Call it from the goroutine that reads.
func (t *Transport) SendUnimplemented() error {
	seq := t.codec.ReadSequence() - 1
	return t.WritePacket(wire.Marshal(&wire.UnimplementedMsg{SeqNum: seq}))
}

// Disconnect sends SSH_MSG_DISCONNECT and closes the connection.
func (t *Transport) Disconnect(reason uint32, message string) error {
	var err error
	t.writeMu.Lock()
	if !t.closed && t.writeErr == nil {
		err = t.writeRecordLocked(wire.Marshal(&wire.DisconnectMsg{Reason: reason, Message: message}))
	}
	t.writeMu.Unlock()
	return multierr.Append(err, t.Close())
}

// Close closes the connection. Blocked readers and writers return errors.
func (t *Transport) Close() error {
	t.writeMu.Lock()
	if t.closed {
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	if t.writeErr == nil {
		t.writeErr = networkErr(net.ErrClosed)
	}
	if t.kexWatchdog != nil {
		t.kexWatchdog.Stop()
	}
	if t.rekeyTimer != nil {
		t.rekeyTimer.Stop()
	}
	t.pending = nil
	t.writeMu.Unlock()

	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (t *Transport) SessionID() []byte     { return t.sessionID }
func (t *Transport) ServerVersion() string { return string(t.serverVersion) }
func (t *Transport) HostKey() ssh.PublicKey {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()
	return t.hostKey
}

// Algorithms returns the algorithms negotiated by the latest key exchange.
func (t *Transport) Algorithms() NegotiatedAlgorithms {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()
	return t.algs
}

// KexCount returns the number of completed key exchanges, the initial one
// included.
func (t *Transport) KexCount() int {
	t.infoMu.Lock()
	defer t.infoMu.Unlock()
	return t.kexCount
}

// BytesTransferred returns the payload bytes received and sent.
func (t *Transport) BytesTransferred() (in, out uint64) {
	return t.totalIn.Load(), t.totalOut.Load()
}

// readRecord returns the next decoded payload, reading from the connection
// as needed.
func (t *Transport) readRecord() ([]byte, error) {
	for {
		p, err := t.codec.Next()
		if err == nil {
			if len(p) == 0 {
				return nil, protocolErr("empty packet payload")
			}
			t.bytesIn += uint64(len(p))
			t.totalIn.Add(uint64(len(p)))
			t.metrics.RecordPacket("in", len(p))
			return p, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			var ie *IntegrityError
			if errors.As(err, &ie) {
				t.metrics.RecordIntegrityFailure()
				t.log.Error("record failed integrity check", zap.Uint32("seq", ie.Seq), zap.String("reason", ie.Reason))
			}
			return nil, err
		}
		if t.readErr != nil {
			return nil, t.readErr
		}

		n, rerr := t.conn.Read(t.rbuf)
		if n > 0 {
			t.codec.Feed(t.rbuf[:n])
		}
		if rerr != nil {
			t.readErr = t.connErr(rerr)
		}
	}
}

func (t *Transport) connErr(err error) error {
	t.infoMu.Lock()
	fatal := t.fatalErr
	t.infoMu.Unlock()
	if fatal != nil {
		return fatal
	}
	if errors.Is(err, io.EOF) {
		return networkErr(fmt.Errorf("connection closed by peer: %w", err))
	}
	return networkErr(err)
}

func (t *Transport) peerDisconnect(p []byte) error {
	var msg wire.DisconnectMsg
	if err := wire.Unmarshal(p, &msg); err != nil {
		return protocolErr("malformed disconnect: %v", err)
	}
	t.log.Info("peer disconnected", zap.Uint32("reason", msg.Reason), zap.String("message", msg.Message))
	return &DisconnectError{Reason: msg.Reason, Message: msg.Message}
}

func (t *Transport) writeRecordLocked(p []byte) error {
	rec, err := t.codec.Encode(p)
	if err != nil {
		t.writeErr = err
		return err
	}
	if _, err := t.conn.Write(rec); err != nil {
		t.writeErr = networkErr(err)
		return t.writeErr
	}
	t.bytesOut += uint64(len(p))
	t.totalOut.Add(uint64(len(p)))
	t.metrics.RecordPacket("out", len(p))
	return nil
}

// sendKexInitLocked sends our KEXINIT unless one is already outstanding.
func (t *Transport) sendKexInitLocked() error {
	if t.kexInit != nil {
		return nil
	}
	msg := kexInitFor(t.cfg.Algorithms)
	if _, err := io.ReadFull(t.cfg.Rand, msg.Cookie[:]); err != nil {
		return err
	}
	p := wire.Marshal(msg)
	if err := t.writeRecordLocked(p); err != nil {
		return err
	}
	t.kexInit = p
	if t.sessionID != nil {
		t.log.Debug("rekey started", zap.Uint64("bytes_out", t.bytesOut), zap.Uint64("bytes_in", t.bytesIn))
		t.kexWatchdog = time.AfterFunc(t.cfg.KexTimeout, t.kexTimedOut)
	}
	return nil
}

func (t *Transport) kexTimedOut() {
	t.writeMu.Lock()
	pending := t.kexInit != nil
	t.writeMu.Unlock()
	if !pending {
		return
	}
	t.infoMu.Lock()
	t.fatalErr = negotiationErr("kex",
		fmt.Errorf("%w: key exchange did not complete within %s", sshdevice.ErrTimeout, t.cfg.KexTimeout))
	t.infoMu.Unlock()
	t.log.Error("rekey timed out", zap.Duration("timeout", t.cfg.KexTimeout))
	_ = t.Close()
}

func (t *Transport) writeKexPacket(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	return t.writeRecordLocked(p)
}

// readKexPacket reads the next packet during a key exchange, skipping
// messages that may appear anywhere.
func (t *Transport) readKexPacket() ([]byte, error) {
	for {
		p, err := t.readRecord()
		if err != nil {
			return nil, err
		}
		switch p[0] {
		case wire.MsgIgnore, wire.MsgDebug, wire.MsgUnimplemented, wire.MsgExtInfo:
			continue
		case wire.MsgDisconnect:
			return nil, t.peerDisconnect(p)
		}
		return p, nil
	}
}

// runKex completes a key exchange given the server's KEXINIT, sending ours
// first if we have not done so yet.
func (t *Transport) runKex(serverInit []byte) error {
	t.writeMu.Lock()
	err := t.sendKexInitLocked()
	clientInit := t.kexInit
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	var clientMsg, serverMsg wire.KexInitMsg
	if err := wire.Unmarshal(clientInit, &clientMsg); err != nil {
		return negotiationErr("kex", err)
	}
	if err := wire.Unmarshal(serverInit, &serverMsg); err != nil {
		return negotiationErr("kex", err)
	}
	algs, err := negotiate(&clientMsg, &serverMsg)
	if err != nil {
		_ = t.Disconnect(wire.DisconnectKeyExchangeFail, "no matching algorithms")
		return negotiationErr("algorithms", err)
	}

	if serverMsg.FirstKexFollows && !guessedRight(&serverMsg, algs) {
		if _, err := t.readKexPacket(); err != nil {
			return err
		}
	}

	magics := &handshakeMagics{
		clientVersion: t.clientVersion,
		serverVersion: t.serverVersion,
		clientKexInit: clientInit,
		serverKexInit: serverInit,
	}
	res, err := kexAlgorithms[algs.Kex].client(t, t.cfg.Rand, magics)
	if err != nil {
		return negotiationErr("kex", err)
	}

	hostKey, err := verifyHostSignature(algs.HostKey, res)
	if err != nil {
		return negotiationErr("hostkey", err)
	}
	if t.sessionID == nil {
		if err := t.cfg.HostKeyCallback(t.addr, t.conn.RemoteAddr(), hostKey); err != nil {
			return negotiationErr("hostkey", fmt.Errorf("host key rejected: %w", err))
		}
		t.sessionID = res.H
	} else if !bytes.Equal(hostKey.Marshal(), t.HostKey().Marshal()) {
		return negotiationErr("hostkey", errors.New("host key changed during rekey"))
	}

	writeCipher, err := newDirectionCipher(algs.Write, res, t.sessionID, 'A', 'C', 'E')
	if err != nil {
		return negotiationErr("kex", err)
	}
	readCipher, err := newDirectionCipher(algs.Read, res, t.sessionID, 'B', 'D', 'F')
	if err != nil {
		return negotiationErr("kex", err)
	}

	t.writeMu.Lock()
	err = t.writeRecordLocked([]byte{wire.MsgNewKeys})
	if err == nil {
		t.codec.SetWriteCipher(writeCipher)
		t.kexInit = nil
		if t.kexWatchdog != nil {
			t.kexWatchdog.Stop()
			t.kexWatchdog = nil
		}
		t.bytesOut = 0
		pending := t.pending
		t.pending = nil
		for _, p := range pending {
			if err = t.writeRecordLocked(p); err != nil {
				break
			}
		}
	}
	t.writeMu.Unlock()
	if err != nil {
		return err
	}

	p, err := t.readKexPacket()
	if err != nil {
		return err
	}
	if p[0] != wire.MsgNewKeys {
		return negotiationErr("kex", fmt.Errorf("expected newkeys, got %s", wire.Name(p)))
	}
	t.codec.SetReadCipher(readCipher)
	t.bytesIn = 0

	t.infoMu.Lock()
	t.algs = algs
	t.hostKey = hostKey
	t.kexCount++
	count := t.kexCount
	t.infoMu.Unlock()

	t.metrics.RecordKeyExchange(algs.Kex)
	t.log.Debug("key exchange complete",
		zap.Int("count", count),
		zap.Stringer("algorithms", algs))
	t.armRekeyTimer()
	return nil
}

func guessedRight(server *wire.KexInitMsg, algs NegotiatedAlgorithms) bool {
	return len(server.KexAlgos) > 0 && server.KexAlgos[0] == algs.Kex &&
		len(server.ServerHostKeyAlgos) > 0 && server.ServerHostKeyAlgos[0] == algs.HostKey
}

func (t *Transport) armRekeyTimer() {
	if t.cfg.RekeyInterval <= 0 {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.rekeyTimer != nil {
		t.rekeyTimer.Stop()
	}
	if t.closed {
		return
	}
	t.rekeyTimer = time.AfterFunc(t.cfg.RekeyInterval, func() {
		if err := t.RequestRekey(); err != nil {
			t.log.Debug("timed rekey not started", zap.Error(err))
		}
	})
}
