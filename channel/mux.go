// Package channel implements the SSH connection protocol (RFC 4254) for a
// client: channels, their flow-control windows, and channel requests.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/wire"
	"go.uber.org/zap"
)

const (
	DefaultWindowSize = 2 * 1024 * 1024
	DefaultMaxPacket  = 32 * 1024
)

// Writer sends packets to the peer; *transport.Transport implements it.
type Writer interface {
	WritePacket(p []byte) error
}

// Receiver gets the data arriving on a channel, in order, on the goroutine
// calling Mux.Handle. Implementations must not block.
type Receiver interface {
	ChannelData(data []byte)
	ChannelExtendedData(code uint32, data []byte)
}

// Config sets the receive side parameters advertised for new channels.
type Config struct {
	WindowSize uint32
	MaxPacket  uint32
	Logger     *zap.Logger
}

// Mux multiplexes channels over one transport. Handle must be called from
// a single goroutine with every connection-layer packet read; all other
// methods are safe for concurrent use.
type Mux struct {
	w   Writer
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	chans  map[uint32]*Channel
	nextID uint32
	err    error
}

// NewMux returns a multiplexer writing to w.
func NewMux(w Writer, cfg Config) *Mux {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxPacket == 0 {
		cfg.MaxPacket = DefaultMaxPacket
	}
	return &Mux{
		w:     w,
		cfg:   cfg,
		log:   logger.OrNop(cfg.Logger).Named("channel"),
		chans: make(map[uint32]*Channel),
	}
}

// Open opens a channel of the given type and waits for the server's answer.
// A refusal is returned as *OpenError.
func (m *Mux) Open(ctx context.Context, chanType string, extra []byte, recv Receiver) (*Channel, error) {
	ch := newChannel(m, chanType, recv)

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	ch.localID = m.nextID
	m.nextID++
	m.chans[ch.localID] = ch
	m.mu.Unlock()

	err := m.w.WritePacket(wire.Marshal(&wire.ChannelOpenMsg{
		ChanType:         chanType,
		PeersID:          ch.localID,
		PeersWindow:      m.cfg.WindowSize,
		MaxPacketSize:    m.cfg.MaxPacket,
		TypeSpecificData: extra,
	}))
	if err != nil {
		m.remove(ch.localID)
		return nil, err
	}

	select {
	case <-ch.opened:
	case <-ctx.Done():
		ch.mu.Lock()
		ch.abandoned = true
		ch.mu.Unlock()
		return nil, fmt.Errorf("open %s channel: %w", chanType, ctx.Err())
	}
	if ch.openErr != nil {
		return nil, ch.openErr
	}
	m.log.Debug("channel open",
		zap.String("type", chanType),
		zap.Uint32("local_id", ch.localID),
		zap.Uint32("remote_id", ch.remoteID),
		zap.Uint32("remote_window", ch.Window()))
	return ch, nil
}

// Handle processes one connection-layer packet. Packets it does not
// recognize yield an error wrapping ErrUnexpectedMessage, after which the
// caller may continue. Other errors are fatal to the connection.
func (m *Mux) Handle(p []byte) error {
	switch p[0] {
	case wire.MsgGlobalRequest:
		return m.handleGlobalRequest(p)
	case wire.MsgRequestSuccess, wire.MsgRequestFailure:
		m.log.Debug("ignoring global request reply", zap.String("msg", wire.Name(p)))
		return nil
	case wire.MsgChannelOpen:
		return m.rejectOpen(p)
	case wire.MsgChannelOpenConfirm, wire.MsgChannelOpenFailure,
		wire.MsgChannelWindowAdjust, wire.MsgChannelData, wire.MsgChannelExtendedData,
		wire.MsgChannelEOF, wire.MsgChannelClose, wire.MsgChannelRequest,
		wire.MsgChannelSuccess, wire.MsgChannelFailure:
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, wire.Name(p))
	}

	// Every channel message starts with the recipient channel id.
	id, _, err := wire.ParseU32(p[1:])
	if err != nil {
		return protocolErr("truncated %s", wire.Name(p))
	}
	ch := m.lookup(id)
	if ch == nil {
		return protocolErr("%s for unknown channel %d", wire.Name(p), id)
	}
	return ch.handle(p)
}

// Teardown fails every channel with err and refuses new ones. It is called
// once the transport is gone, from the goroutine that called Handle.
func (m *Mux) Teardown(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	chans := m.chans
	m.chans = make(map[uint32]*Channel)
	m.mu.Unlock()

	for _, ch := range chans {
		ch.terminate(err)
	}
}

// Channels returns the number of open channels.
func (m *Mux) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chans)
}

func (m *Mux) lookup(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chans[id]
}

func (m *Mux) remove(id uint32) {
	m.mu.Lock()
	delete(m.chans, id)
	m.mu.Unlock()
}

func (m *Mux) handleGlobalRequest(p []byte) error {
	var msg wire.GlobalRequestMsg
	if err := wire.Unmarshal(p, &msg); err != nil {
		return protocolErr("%v", err)
	}
	m.log.Debug("refusing global request", zap.String("type", msg.Type))
	if !msg.WantReply {
		return nil
	}
	return m.w.WritePacket([]byte{wire.MsgRequestFailure})
}

func (m *Mux) rejectOpen(p []byte) error {
	var msg wire.ChannelOpenMsg
	if err := wire.Unmarshal(p, &msg); err != nil {
		return protocolErr("%v", err)
	}
	m.log.Warn("refusing channel opened by server", zap.String("type", msg.ChanType))
	return m.w.WritePacket(wire.Marshal(&wire.ChannelOpenFailureMsg{
		PeersID: msg.PeersID,
		Reason:  AdministrativelyProhibited,
		Message: "client does not accept channels",
	}))
}
