package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pascal71/sshdevice-go"
	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const remoteID = 100

type fakeWriter struct {
	sent chan []byte
}

func newFakeWriter() *fakeWriter { return &fakeWriter{sent: make(chan []byte, 256)} }

func (w *fakeWriter) WritePacket(p []byte) error {
	w.sent <- append([]byte(nil), p...)
	return nil
}

func (w *fakeWriter) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-w.sent:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet written")
		return nil
	}
}

func (w *fakeWriter) none(t *testing.T) {
	t.Helper()
	select {
	case p := <-w.sent:
		t.Fatalf("unexpected packet %s", wire.Name(p))
	case <-time.After(20 * time.Millisecond):
	}
}

type recorder struct {
	mu     sync.Mutex
	stdout []byte
	stderr []byte
}

func (r *recorder) ChannelData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout = append(r.stdout, data...)
}

func (r *recorder) ChannelExtendedData(_ uint32, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr = append(r.stderr, data...)
}

func newMux(t *testing.T, window uint32) (*Mux, *fakeWriter) {
	w := newFakeWriter()
	return NewMux(w, Config{WindowSize: window, MaxPacket: 1024, Logger: logger.NewTest(t)}), w
}

func openChannel(t *testing.T, m *Mux, w *fakeWriter, recv Receiver, window, maxPacket uint32) *Channel {
	t.Helper()
	type result struct {
		ch  *Channel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := m.Open(context.Background(), SessionType, nil, recv)
		res <- result{ch, err}
	}()

	var open wire.ChannelOpenMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &open))
	assert.Equal(t, SessionType, open.ChanType)
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelOpenConfirmMsg{
		PeersID:       open.PeersID,
		MyID:          remoteID,
		MyWindow:      window,
		MaxPacketSize: maxPacket,
	})))

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, uint32(remoteID), r.ch.RemoteID())
	return r.ch
}

func TestOpenRejected(t *testing.T) {
	m, w := newMux(t, 0)
	errc := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), SessionType, nil, nil)
		errc <- err
	}()

	var open wire.ChannelOpenMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &open))
	assert.Equal(t, uint32(DefaultWindowSize), open.PeersWindow)
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelOpenFailureMsg{
		PeersID: open.PeersID,
		Reason:  ResourceShortage,
		Message: "too many sessions",
	})))

	err := <-errc
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, ResourceShortage, oe.Reason)
	assert.ErrorIs(t, err, sshdevice.ErrChannelOpen)
	assert.Contains(t, err.Error(), "resource shortage")
	assert.Zero(t, m.Channels())
}

func TestOpenAbandonedByContext(t *testing.T) {
	m, w := newMux(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Open(ctx, SessionType, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var open wire.ChannelOpenMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &open))

	// A late confirmation is answered with a close.
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelOpenConfirmMsg{
		PeersID: open.PeersID, MyID: remoteID, MyWindow: 10, MaxPacketSize: 10,
	})))
	var cl wire.ChannelCloseMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &cl))
	assert.Equal(t, uint32(remoteID), cl.PeersID)
}

func TestWriteRespectsPacketSizeAndWindow(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 10, 4)

	done := make(chan int, 1)
	go func() {
		n, err := ch.Write(context.Background(), []byte("hello world!!"))
		assert.NoError(t, err)
		done <- n
	}()

	var got []string
	for i := 0; i < 3; i++ {
		var msg wire.ChannelDataMsg
		require.NoError(t, wire.Unmarshal(w.next(t), &msg))
		assert.Equal(t, uint32(remoteID), msg.PeersID)
		got = append(got, string(msg.Data))
	}
	assert.Equal(t, []string{"hell", "o wo", "rl"}, got)
	w.none(t)
	assert.Zero(t, ch.Window())

	require.NoError(t, m.Handle(wire.Marshal(&wire.WindowAdjustMsg{PeersID: ch.LocalID(), AdditionalBytes: 100})))
	var msg wire.ChannelDataMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &msg))
	assert.Equal(t, "d!!", string(msg.Data))
	assert.Equal(t, 13, <-done)
	assert.Equal(t, uint32(97), ch.Window())
}

func TestWritesDoNotInterleave(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 1<<20, 3)

	var wg sync.WaitGroup
	for _, s := range []string{"aaaaaaaaa", "bbbbbbbbb"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := ch.Write(context.Background(), []byte(s))
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	var stream []byte
	for i := 0; i < 6; i++ {
		var msg wire.ChannelDataMsg
		require.NoError(t, wire.Unmarshal(w.next(t), &msg))
		stream = append(stream, msg.Data...)
	}
	assert.Contains(t, []string{"aaaaaaaaabbbbbbbbb", "bbbbbbbbbaaaaaaaaa"}, string(stream))
}

func TestDataDeliveryAndWindowAdjust(t *testing.T) {
	m, w := newMux(t, 16)
	rec := &recorder{}
	ch := openChannel(t, m, w, rec, 100, 100)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelDataMsg{PeersID: ch.LocalID(), Data: []byte("abc")})))
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelExtendedDataMsg{PeersID: ch.LocalID(), DataType: 1, Data: []byte("err")})))
	w.none(t)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelDataMsg{PeersID: ch.LocalID(), Data: []byte("defgh")})))
	var adj wire.WindowAdjustMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &adj))
	assert.Equal(t, uint32(remoteID), adj.PeersID)
	assert.Equal(t, uint32(11), adj.AdditionalBytes)

	assert.Equal(t, "abcdefgh", string(rec.stdout))
	assert.Equal(t, "err", string(rec.stderr))
}

func TestDataBeyondWindowIsProtocolError(t *testing.T) {
	m, w := newMux(t, 8)
	ch := openChannel(t, m, w, &recorder{}, 100, 100)

	err := m.Handle(wire.Marshal(&wire.ChannelDataMsg{PeersID: ch.LocalID(), Data: make([]byte, 9)}))
	assert.ErrorIs(t, err, sshdevice.ErrProtocol)
}

func TestRequestRepliesInOrder(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 100, 100)

	type reply struct {
		ok  bool
		err error
	}
	first, second := make(chan reply, 1), make(chan reply, 1)
	go func() {
		ok, err := ch.SendRequest(context.Background(), "pty-req", true, nil)
		first <- reply{ok, err}
	}()
	w.next(t)
	go func() {
		ok, err := ch.SendRequest(context.Background(), "shell", true, nil)
		second <- reply{ok, err}
	}()
	w.next(t)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelRequestSuccessMsg{PeersID: ch.LocalID()})))
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelRequestFailureMsg{PeersID: ch.LocalID()})))

	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.ok)
	r = <-second
	require.NoError(t, r.err)
	assert.False(t, r.ok)

	err := m.Handle(wire.Marshal(&wire.ChannelRequestSuccessMsg{PeersID: ch.LocalID()}))
	assert.ErrorIs(t, err, sshdevice.ErrProtocol)
}

func TestRefusedRequestError(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 100, 100)

	errc := make(chan error, 1)
	go func() { errc <- ch.Exec(context.Background(), "reboot") }()

	var req wire.ChannelRequestMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &req))
	assert.Equal(t, "exec", req.Request)
	assert.True(t, req.WantReply)
	var exec wire.ExecMsg
	require.NoError(t, wire.Unmarshal(req.RequestSpecificData, &exec))
	assert.Equal(t, "reboot", exec.Command)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelRequestFailureMsg{PeersID: ch.LocalID()})))
	var re *RequestError
	require.ErrorAs(t, <-errc, &re)
	assert.Equal(t, "exec", re.Request)
}

func TestExitStatusAndPeerRequests(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 100, 100)

	_, ok := ch.ExitStatus()
	assert.False(t, ok)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelRequestMsg{
		PeersID:             ch.LocalID(),
		Request:             "exit-status",
		RequestSpecificData: wire.Marshal(&wire.ExitStatusMsg{Status: 3}),
	})))
	status, ok := ch.ExitStatus()
	assert.True(t, ok)
	assert.Equal(t, uint32(3), status)
	w.none(t)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelRequestMsg{
		PeersID:   ch.LocalID(),
		Request:   "keepalive@openssh.com",
		WantReply: true,
	})))
	var fail wire.ChannelRequestFailureMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &fail))
	assert.Equal(t, uint32(remoteID), fail.PeersID)
}

func TestPeerClose(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 100, 100)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelEOFMsg{PeersID: ch.LocalID()})))
	assert.True(t, ch.EOF())
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelCloseMsg{PeersID: ch.LocalID()})))

	var cl wire.ChannelCloseMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &cl))
	<-ch.Done()
	assert.True(t, ch.ClosedByPeer())
	assert.Zero(t, m.Channels())

	require.NoError(t, ch.Close())
	w.none(t)
	_, err := ch.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalClose(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 100, 100)

	require.NoError(t, ch.CloseWrite())
	var eof wire.ChannelEOFMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &eof))

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	var cl wire.ChannelCloseMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &cl))
	w.none(t)

	select {
	case <-ch.Done():
		t.Fatal("done before the peer closed")
	default:
	}
	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelCloseMsg{PeersID: ch.LocalID()})))
	<-ch.Done()
	assert.False(t, ch.ClosedByPeer())
	w.none(t)
}

func TestWriteStopsWithContext(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 2, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := ch.Write(ctx, []byte("abcd"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, n)
}

func TestTeardownUnblocksWriters(t *testing.T) {
	m, w := newMux(t, 0)
	ch := openChannel(t, m, w, nil, 0, 100)

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Write(context.Background(), []byte("blocked"))
		errc <- err
	}()
	w.none(t)

	lost := errors.New("connection lost")
	m.Teardown(lost)
	assert.ErrorIs(t, <-errc, lost)
	assert.ErrorIs(t, ch.Err(), lost)

	_, err := m.Open(context.Background(), SessionType, nil, nil)
	assert.ErrorIs(t, err, lost)
}

func TestServerInitiatedTraffic(t *testing.T) {
	m, w := newMux(t, 0)

	require.NoError(t, m.Handle(wire.Marshal(&wire.GlobalRequestMsg{Type: "keepalive@openssh.com", WantReply: true})))
	assert.Equal(t, []byte{wire.MsgRequestFailure}, w.next(t))

	require.NoError(t, m.Handle(wire.Marshal(&wire.GlobalRequestMsg{Type: "hostkeys-00@openssh.com"})))
	w.none(t)

	require.NoError(t, m.Handle(wire.Marshal(&wire.ChannelOpenMsg{ChanType: "x11", PeersID: 7})))
	var fail wire.ChannelOpenFailureMsg
	require.NoError(t, wire.Unmarshal(w.next(t), &fail))
	assert.Equal(t, uint32(7), fail.PeersID)
	assert.Equal(t, AdministrativelyProhibited, fail.Reason)

	err := m.Handle([]byte{wire.MsgUserAuthBanner})
	assert.ErrorIs(t, err, ErrUnexpectedMessage)

	err = m.Handle(wire.Marshal(&wire.ChannelDataMsg{PeersID: 42, Data: []byte("x")}))
	assert.ErrorIs(t, err, sshdevice.ErrProtocol)
}

func TestEncodeModes(t *testing.T) {
	got := encodeModes(ssh.TerminalModes{ssh.TTY_OP_OSPEED: 9600, ssh.ECHO: 0})
	want := []byte{
		ssh.ECHO, 0, 0, 0, 0,
		ssh.TTY_OP_OSPEED, 0, 0, 0x25, 0x80,
		0,
	}
	assert.Equal(t, string(want), got)
}
