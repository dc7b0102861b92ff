package channel

import (
	"context"
	"sync"

	"github.com/pascal71/sshdevice-go/wire"
	"go.uber.org/zap"
)

// Channel is one open channel. Write and SendRequest may be called
// concurrently with each other and with the Mux reading.
type Channel struct {
	mux      *Mux
	chanType string
	recv     Receiver
	localID  uint32
	remoteID uint32

	opened  chan struct{}
	openErr error

	// writeMu keeps one Write's packets contiguous.
	writeMu sync.Mutex
	// reqMu keeps reply waiters in the order requests were sent.
	reqMu sync.Mutex

	mu              sync.Mutex
	abandoned       bool
	remoteWindow    uint32
	remoteMaxPacket uint32
	windowGrown     chan struct{}
	localWindow     uint32
	consumed        uint32
	sentEOF         bool
	sentClose       bool
	peerEOF         bool
	closedByPeer    bool
	exitStatus      *uint32
	exitSignal      string
	replies         []chan bool
	err             error

	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(m *Mux, chanType string, recv Receiver) *Channel {
	return &Channel{
		mux:         m,
		chanType:    chanType,
		recv:        recv,
		opened:      make(chan struct{}),
		windowGrown: make(chan struct{}),
		localWindow: m.cfg.WindowSize,
		done:        make(chan struct{}),
	}
}

func (c *Channel) Type() string     { return c.chanType }
func (c *Channel) LocalID() uint32  { return c.localID }
func (c *Channel) RemoteID() uint32 { return c.remoteID }

// Done is closed once the channel is fully closed: both sides sent
// CHANNEL_CLOSE, or the connection went away.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the connection error that terminated the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ClosedByPeer reports whether the server closed the channel before we did.
func (c *Channel) ClosedByPeer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedByPeer
}

// EOF reports whether the server sent CHANNEL_EOF.
func (c *Channel) EOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerEOF
}

// ExitStatus returns the status from an "exit-status" request, if the
// server sent one.
func (c *Channel) ExitStatus() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitStatus == nil {
		return 0, false
	}
	return *c.exitStatus, true
}

// ExitSignal returns the signal name from an "exit-signal" request.
func (c *Channel) ExitSignal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitSignal
}

// Window returns the bytes we may still send before the server adjusts
// the window.
func (c *Channel) Window() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteWindow
}

// Write sends p as channel data, split to fit the server's window and
// packet size. It blocks while the window is exhausted, until the channel
// closes or ctx ends. Data from one Write is never interleaved with data
// from another.
func (c *Channel) Write(ctx context.Context, p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		c.mu.Lock()
		for c.remoteWindow == 0 && c.writableLocked() == nil {
			wait := c.windowGrown
			c.mu.Unlock()
			select {
			case <-wait:
			case <-c.done:
			case <-ctx.Done():
				return written, ctx.Err()
			}
			c.mu.Lock()
		}
		if err := c.writableLocked(); err != nil {
			c.mu.Unlock()
			return written, err
		}
		n := min(uint32(len(p)), c.remoteWindow, c.remoteMaxPacket)
		c.remoteWindow -= n
		c.mu.Unlock()

		err := c.mux.w.WritePacket(wire.Marshal(&wire.ChannelDataMsg{PeersID: c.remoteID, Data: p[:n]}))
		if err != nil {
			return written, err
		}
		written += int(n)
		p = p[n:]
	}
	return written, nil
}

func (c *Channel) writableLocked() error {
	if c.err != nil {
		return c.err
	}
	if c.sentEOF || c.sentClose || c.closedByPeer {
		return ErrClosed
	}
	return nil
}

// SendRequest sends a channel request. With wantReply it waits for the
// server's answer and reports whether the request succeeded.
func (c *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	msg := wire.Marshal(&wire.ChannelRequestMsg{
		PeersID:             c.remoteID,
		Request:             name,
		WantReply:           wantReply,
		RequestSpecificData: payload,
	})

	c.reqMu.Lock()
	c.mu.Lock()
	if c.err != nil || c.sentClose || c.closedByPeer {
		err := c.err
		c.mu.Unlock()
		c.reqMu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return false, err
	}
	var reply chan bool
	if wantReply {
		// Buffered so a reply to an abandoned wait does not block the reader.
		reply = make(chan bool, 1)
		c.replies = append(c.replies, reply)
	}
	c.mu.Unlock()
	err := c.mux.w.WritePacket(msg)
	c.reqMu.Unlock()
	if err != nil || !wantReply {
		return false, err
	}

	select {
	case ok := <-reply:
		return ok, nil
	case <-c.done:
		select {
		case ok := <-reply:
			return ok, nil
		default:
		}
		if err := c.Err(); err != nil {
			return false, err
		}
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// CloseWrite sends CHANNEL_EOF.
func (c *Channel) CloseWrite() error {
	c.mu.Lock()
	if c.sentEOF || c.sentClose || c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	c.mu.Unlock()
	return c.mux.w.WritePacket(wire.Marshal(&wire.ChannelEOFMsg{PeersID: c.remoteID}))
}

// Close sends CHANNEL_CLOSE. The channel is released once the server's
// CHANNEL_CLOSE arrives; wait on Done for that. Calling Close again is a
// no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.sentClose || c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.sentClose = true
	c.mu.Unlock()
	return c.mux.w.WritePacket(wire.Marshal(&wire.ChannelCloseMsg{PeersID: c.remoteID}))
}

// terminate fails the channel after the connection is lost.
func (c *Channel) terminate(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
		if c.err == nil {
			c.err = ErrClosed
		}
	}
	c.replies = nil
	c.mu.Unlock()

	select {
	case <-c.opened:
	default:
		c.openErr = c.err
		close(c.opened)
	}
	c.finish()
}

func (c *Channel) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) handle(p []byte) error {
	switch p[0] {
	case wire.MsgChannelOpenConfirm:
		return c.handleOpenConfirm(p)
	case wire.MsgChannelOpenFailure:
		return c.handleOpenFailure(p)
	}

	select {
	case <-c.opened:
	default:
		return protocolErr("%s on channel %d before it was confirmed", wire.Name(p), c.localID)
	}

	switch p[0] {
	case wire.MsgChannelWindowAdjust:
		var msg wire.WindowAdjustMsg
		if err := wire.Unmarshal(p, &msg); err != nil {
			return protocolErr("%v", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if uint64(c.remoteWindow)+uint64(msg.AdditionalBytes) > 1<<32-1 {
			return protocolErr("window adjust overflows channel %d window", c.localID)
		}
		c.remoteWindow += msg.AdditionalBytes
		close(c.windowGrown)
		c.windowGrown = make(chan struct{})
		return nil

	case wire.MsgChannelData:
		var msg wire.ChannelDataMsg
		if err := wire.Unmarshal(p, &msg); err != nil {
			return protocolErr("%v", err)
		}
		if err := c.consume(len(msg.Data)); err != nil {
			return err
		}
		if c.recv != nil && len(msg.Data) > 0 {
			c.recv.ChannelData(msg.Data)
		}
		return c.maybeAdjust()

	case wire.MsgChannelExtendedData:
		var msg wire.ChannelExtendedDataMsg
		if err := wire.Unmarshal(p, &msg); err != nil {
			return protocolErr("%v", err)
		}
		if err := c.consume(len(msg.Data)); err != nil {
			return err
		}
		if c.recv != nil && len(msg.Data) > 0 {
			c.recv.ChannelExtendedData(msg.DataType, msg.Data)
		}
		return c.maybeAdjust()

	case wire.MsgChannelEOF:
		c.mu.Lock()
		c.peerEOF = true
		c.mu.Unlock()
		return nil

	case wire.MsgChannelClose:
		return c.handleClose()

	case wire.MsgChannelRequest:
		return c.handleRequest(p)

	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		c.mu.Lock()
		if len(c.replies) == 0 {
			c.mu.Unlock()
			return protocolErr("unsolicited %s on channel %d", wire.Name(p), c.localID)
		}
		reply := c.replies[0]
		c.replies = c.replies[1:]
		c.mu.Unlock()
		reply <- p[0] == wire.MsgChannelSuccess
		return nil
	}
	return protocolErr("unexpected %s", wire.Name(p))
}

func (c *Channel) handleOpenConfirm(p []byte) error {
	var msg wire.ChannelOpenConfirmMsg
	if err := wire.Unmarshal(p, &msg); err != nil {
		return protocolErr("%v", err)
	}
	select {
	case <-c.opened:
		return protocolErr("duplicate open confirmation for channel %d", c.localID)
	default:
	}
	if msg.MaxPacketSize == 0 {
		return protocolErr("server advertised zero max packet size")
	}

	c.mu.Lock()
	c.remoteID = msg.MyID
	c.remoteWindow = msg.MyWindow
	c.remoteMaxPacket = min(msg.MaxPacketSize, c.mux.cfg.MaxPacket)
	abandoned := c.abandoned
	if abandoned {
		c.sentClose = true
	}
	c.mu.Unlock()
	close(c.opened)

	if abandoned {
		c.mux.log.Debug("closing channel confirmed after its opener gave up", zap.Uint32("local_id", c.localID))
		return c.mux.w.WritePacket(wire.Marshal(&wire.ChannelCloseMsg{PeersID: c.remoteID}))
	}
	return nil
}

func (c *Channel) handleOpenFailure(p []byte) error {
	var msg wire.ChannelOpenFailureMsg
	if err := wire.Unmarshal(p, &msg); err != nil {
		return protocolErr("%v", err)
	}
	select {
	case <-c.opened:
		return protocolErr("open failure for established channel %d", c.localID)
	default:
	}
	c.mux.remove(c.localID)
	c.openErr = &OpenError{Reason: msg.Reason, Message: msg.Message}
	close(c.opened)
	c.finish()
	return nil
}

// consume charges n received bytes against our window.
func (c *Channel) consume(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(n) > c.localWindow || n > int(c.mux.cfg.WindowSize) {
		return protocolErr("peer sent %d bytes with %d left in channel %d window", n, c.localWindow, c.localID)
	}
	c.localWindow -= uint32(n)
	c.consumed += uint32(n)
	return nil
}

// maybeAdjust returns consumed window to the peer once half of it is used.
func (c *Channel) maybeAdjust() error {
	c.mu.Lock()
	if c.consumed < c.mux.cfg.WindowSize/2 || c.sentClose || c.closedByPeer {
		c.mu.Unlock()
		return nil
	}
	n := c.consumed
	c.consumed = 0
	c.localWindow += n
	c.mu.Unlock()
	return c.mux.w.WritePacket(wire.Marshal(&wire.WindowAdjustMsg{PeersID: c.remoteID, AdditionalBytes: n}))
}

func (c *Channel) handleClose() error {
	c.mu.Lock()
	reply := !c.sentClose
	c.closedByPeer = reply
	c.sentClose = true
	c.mu.Unlock()

	c.mux.remove(c.localID)
	var err error
	if reply {
		err = c.mux.w.WritePacket(wire.Marshal(&wire.ChannelCloseMsg{PeersID: c.remoteID}))
	}
	c.finish()
	return err
}

func (c *Channel) handleRequest(p []byte) error {
	var msg wire.ChannelRequestMsg
	if err := wire.Unmarshal(p, &msg); err != nil {
		return protocolErr("%v", err)
	}

	switch msg.Request {
	case "exit-status":
		var st wire.ExitStatusMsg
		if err := wire.Unmarshal(msg.RequestSpecificData, &st); err != nil {
			return protocolErr("exit-status: %v", err)
		}
		c.mu.Lock()
		c.exitStatus = &st.Status
		c.mu.Unlock()
	case "exit-signal":
		var sig wire.ExitSignalMsg
		if err := wire.Unmarshal(msg.RequestSpecificData, &sig); err != nil {
			return protocolErr("exit-signal: %v", err)
		}
		c.mu.Lock()
		c.exitSignal = sig.Signal
		c.mu.Unlock()
	default:
		c.mux.log.Debug("ignoring channel request", zap.String("request", msg.Request), zap.Uint32("local_id", c.localID))
	}

	if !msg.WantReply {
		return nil
	}
	return c.mux.w.WritePacket(wire.Marshal(&wire.ChannelRequestFailureMsg{PeersID: c.remoteID}))
}
