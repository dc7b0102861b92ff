package dispatch

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pascal71/sshdevice-go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderHoldsBackSplitRune(t *testing.T) {
	d, err := NewDecoder("")
	require.NoError(t, err)
	assert.Equal(t, "utf-8", d.Charset())

	assert.Equal(t, "", d.Decode([]byte{0xE2, 0x82}))
	assert.Equal(t, "€ ok", d.Decode([]byte{0xAC, ' ', 'o', 'k'}))
	assert.Equal(t, "", d.Flush())
}

func TestDecoderUTF8EverySplit(t *testing.T) {
	input := []byte("température ≥ 21°C, état: prêt € 𝄞\r\n")
	for cut := 0; cut <= len(input); cut++ {
		d, err := NewDecoder("UTF-8")
		require.NoError(t, err)

		a := d.Decode(input[:cut])
		b := d.Decode(input[cut:])
		assert.True(t, utf8.ValidString(a), "cut %d", cut)
		assert.True(t, utf8.ValidString(b), "cut %d", cut)
		assert.Equal(t, string(input), a+b+d.Flush(), "cut %d", cut)
	}
}

func TestDecoderPassesInvalidBytesThrough(t *testing.T) {
	d, err := NewDecoder("utf8")
	require.NoError(t, err)

	assert.Equal(t, "\xffa", d.Decode([]byte{0xff, 'a'}))
	assert.Equal(t, "b", d.Decode([]byte{'b', 0xF0, 0x9D}))
	assert.Equal(t, "\xf0\x9d", d.Flush())
}

func TestDecoderSingleByteCharsets(t *testing.T) {
	latin1, err := NewDecoder("ISO-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "café", latin1.Decode([]byte{'c', 'a', 'f', 0xE9}))

	cp1252, err := NewDecoder("windows-1252")
	require.NoError(t, err)
	assert.Equal(t, "€5", cp1252.Decode([]byte{0x80, '5'}))
}

func TestDecoderMultiByteCharsetSplit(t *testing.T) {
	d, err := NewDecoder("Shift_JIS")
	require.NoError(t, err)

	// 日本 is 93 FA 96 7B.
	assert.Equal(t, "", d.Decode([]byte{0x93}))
	assert.Equal(t, "日本", d.Decode([]byte{0xFA, 0x96, 0x7B}))
	assert.Equal(t, "", d.Flush())
}

func TestDecoderUnknownCharset(t *testing.T) {
	_, err := NewDecoder("klingon-8")
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyChunk, p)

	p, err = ParsePolicy("LINE")
	require.NoError(t, err)
	assert.Equal(t, PolicyLine, p)

	_, err = ParsePolicy("word")
	assert.Error(t, err)
}

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) deliver(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, s)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func newDispatcher(t *testing.T, deliver func(string), policy Policy) *Dispatcher {
	t.Helper()
	d, err := New(deliver, Config{Policy: policy, Logger: logger.NewTest(t)})
	require.NoError(t, err)
	return d
}

func waitDone(t *testing.T, d *Dispatcher) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
}

func TestChunkPolicyDeliversSplitPayloadIdentically(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789abcdef€", 600))[:9000]
	c := &collector{}
	d := newDispatcher(t, c.deliver, PolicyChunk)

	d.ChannelData(payload[:4096])
	d.ChannelData(payload[4096:])
	d.Close()
	waitDone(t, d)

	got := c.all()
	assert.NotEmpty(t, got)
	assert.Equal(t, string(payload), strings.Join(got, ""))
}

func TestLinePolicy(t *testing.T) {
	c := &collector{}
	d := newDispatcher(t, c.deliver, PolicyLine)

	d.ChannelData([]byte("a\nbc"))
	d.ChannelData([]byte("d\ne"))
	d.ChannelExtendedData(1, []byte("rr\n\n"))
	d.ChannelData([]byte("tail"))
	d.Close()
	waitDone(t, d)

	assert.Equal(t, []string{"a\n", "bcd\n", "err\n", "\n", "tail"}, c.all())
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	c := &collector{}
	d := newDispatcher(t, c.deliver, PolicyChunk)

	d.Enqueue("one")
	d.Close()
	d.Enqueue("two")
	d.Close()
	waitDone(t, d)

	assert.Equal(t, []string{"one"}, c.all())
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	c := &collector{}
	first := true
	d := newDispatcher(t, func(s string) {
		if first {
			first = false
			panic("boom")
		}
		c.deliver(s)
	}, PolicyChunk)

	d.Enqueue("lost")
	d.Enqueue("kept")
	d.Close()
	waitDone(t, d)

	assert.Equal(t, []string{"kept"}, c.all())
}

func TestSlowCallbackDoesNotBlockProducer(t *testing.T) {
	release := make(chan struct{})
	c := &collector{}
	d := newDispatcher(t, func(s string) {
		<-release
		c.deliver(s)
	}, PolicyChunk)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		d.ChannelData([]byte("x"))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	d.Close()
	waitDone(t, d)
	assert.Equal(t, strings.Repeat("x", 1000), strings.Join(c.all(), ""))
}

func TestStopDiscardsQueueAndWaitsForCallback(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := &collector{}
	d := newDispatcher(t, func(s string) {
		if s == "first" {
			close(entered)
			<-release
		}
		c.deliver(s)
	}, PolicyChunk)

	d.Enqueue("first")
	<-entered
	d.Enqueue("second")
	d.Enqueue("third")
	assert.Equal(t, 2, d.Pending())

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.Equal(t, []string{"first"}, c.all())

	d.ChannelData([]byte("late"))
	d.Close()
	assert.Equal(t, []string{"first"}, c.all())
}
