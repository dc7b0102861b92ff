// Package dispatch decodes channel data and hands it to the application
// callback on a dedicated goroutine, in arrival order, without ever making
// the connection reader wait.
package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/metrics"
	"go.uber.org/zap"
)

// Policy decides how decoded text is cut into deliveries.
type Policy string

const (
	// PolicyChunk delivers each arrival as soon as it decodes.
	PolicyChunk Policy = "chunk"
	// PolicyLine delivers newline-terminated lines; a partial last line is
	// delivered on Close.
	PolicyLine Policy = "line"
)

// ParsePolicy accepts "chunk", "line" or "" (chunk).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case "", PolicyChunk:
		return PolicyChunk, nil
	case PolicyLine:
		return PolicyLine, nil
	}
	return "", fmt.Errorf("unknown segmentation policy %q", s)
}

// Config configures a Dispatcher.
type Config struct {
	Policy  Policy
	Charset string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Dispatcher receives channel data and delivers text to a callback.
// ChannelData, ChannelExtendedData and Enqueue never block.
type Dispatcher struct {
	deliver func(string)
	policy  Policy
	log     *zap.Logger
	metrics *metrics.Metrics

	// Decoding state, touched only by the goroutine feeding data.
	dec  *Decoder
	line strings.Builder

	mu      sync.Mutex
	queue   []string
	closed  bool
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New starts a dispatcher delivering to deliver.
func New(deliver func(string), cfg Config) (*Dispatcher, error) {
	dec, err := NewDecoder(cfg.Charset)
	if err != nil {
		return nil, err
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		deliver: deliver,
		policy:  policy,
		log:     logger.OrNop(cfg.Logger).Named("dispatch"),
		metrics: cfg.Metrics,
		dec:     dec,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// ChannelData accepts bytes from the shell channel.
func (d *Dispatcher) ChannelData(data []byte) {
	d.segment(d.dec.Decode(data))
}

// ChannelExtendedData accepts stderr bytes; they join the same stream.
func (d *Dispatcher) ChannelExtendedData(_ uint32, data []byte) {
	d.segment(d.dec.Decode(data))
}

func (d *Dispatcher) segment(text string) {
	if text == "" {
		return
	}
	if d.policy == PolicyChunk {
		d.Enqueue(text)
		return
	}
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			d.line.WriteString(text)
			return
		}
		d.line.WriteString(text[:i+1])
		d.Enqueue(d.line.String())
		d.line.Reset()
		text = text[i+1:]
	}
}

// Enqueue schedules text for delivery after everything queued before it.
// It is dropped once the dispatcher is closed or stopped.
func (d *Dispatcher) Enqueue(text string) {
	d.mu.Lock()
	if d.closed || d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, text)
	d.mu.Unlock()
	d.signal()
}

// Close flushes held-back bytes and any partial line, then lets the worker
// drain the queue and exit. It does not wait; use Done for that. It must
// not run concurrently with ChannelData.
func (d *Dispatcher) Close() {
	rest := d.dec.Flush()
	if d.policy == PolicyLine {
		d.line.WriteString(rest)
		rest = d.line.String()
		d.line.Reset()
	}

	d.mu.Lock()
	if d.closed || d.stopped {
		d.mu.Unlock()
		return
	}
	if rest != "" {
		d.queue = append(d.queue, rest)
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

// Stop discards undelivered text and waits for an in-flight callback to
// return. No callback runs after Stop returns. It must not be called from
// the callback.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	dropped := len(d.queue)
	d.queue = nil
	d.stopped = true
	d.mu.Unlock()
	d.signal()
	<-d.done
	if dropped > 0 {
		d.log.Debug("discarded undelivered output", zap.Int("chunks", dropped))
	}
}

// Done is closed when the worker has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		text := d.queue[0]
		d.queue[0] = ""
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.call(text)
	}
}

func (d *Dispatcher) call(text string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(d.log, rec)
		}
	}()
	if d.deliver != nil {
		d.deliver(text)
	}
	d.metrics.RecordDelivery()
}
