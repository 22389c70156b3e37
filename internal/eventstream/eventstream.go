// Package eventstream publishes engine events to a socket.io server. The
// publisher is an engine.Observer; events are queued and emitted by a
// background goroutine so a slow or absent server never stalls a run.
package eventstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/engine"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	// EventInstruction carries an InstructionPayload.
	EventInstruction = "instruction"
	// EventRun carries a RunPayload.
	EventRun = "run"

	DefaultBuffer         = 1024
	DefaultConnectTimeout = 15 * time.Second
)

// InstructionPayload is the JSON body of an instruction event.
type InstructionPayload struct {
	Program    string `json:"program"`
	Position   int    `json:"position"`
	Op         string `json:"op"`
	Device     int    `json:"device"`
	Operand    int    `json:"operand"`
	EventSlot  int    `json:"event_slot"`
	Skipped    bool   `json:"skipped"`
	Bytes      int    `json:"bytes"`
	DurationNS int64  `json:"duration_ns"`
	Error      string `json:"error,omitempty"`
}

// RunPayload is the JSON body of a run event.
type RunPayload struct {
	Program    string `json:"program"`
	Iteration  int    `json:"iteration"`
	DurationNS int64  `json:"duration_ns"`
	Error      string `json:"error,omitempty"`
}

type message struct {
	event   string
	payload any
}

// Publisher forwards events to an emit function.
type Publisher struct {
	program string
	emit    func(event string, payload any)
	close   func()

	mu      sync.RWMutex
	closed  bool
	queue   chan message
	done    chan struct{}
	dropped atomic.Int64
}

type options struct {
	namespace      string
	insecure       bool
	buffer         int
	connectTimeout time.Duration
}

// Option configures Connect.
type Option func(*options)

// WithNamespace selects the socket.io namespace.
func WithNamespace(ns string) Option { return func(o *options) { o.namespace = ns } }

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify() Option { return func(o *options) { o.insecure = true } }

// WithBuffer sets how many events may wait to be emitted before new ones are
// dropped.
func WithBuffer(n int) Option { return func(o *options) { o.buffer = n } }

// WithConnectTimeout bounds the wait for the connect event.
func WithConnectTimeout(d time.Duration) Option { return func(o *options) { o.connectTimeout = d } }

// Connect dials a socket.io server over websocket and returns a publisher
// tagging its events with program.
func Connect(ctx context.Context, rawURL, program string, opts ...Option) (*Publisher, error) {
	o := options{buffer: DefaultBuffer, connectTimeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	logger := ctxlog.FromContext(ctx).With("component", "eventstream", "url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("event stream URL %q needs a scheme and a host", rawURL)
	}

	sockOpts := socket.DefaultOptions()
	sockOpts.SetPath(parsedURL.Path)
	if o.insecure {
		logger.Warn("Skipping TLS certificate verification.")
		sockOpts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sockOpts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sockOpts)
	io := manager.Socket(o.namespace, sockOpts)

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to event stream.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		logger.Debug("Event stream connect error.", "error", err)
		select {
		case connectChan <- err:
		default:
		}
	})

	logger.Debug("Connecting to event stream.")
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(o.connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", o.connectTimeout)
	}

	emit := func(event string, payload any) { io.Emit(event, payload) }
	return newPublisher(program, emit, func() { io.Disconnect() }, o.buffer), nil
}

func newPublisher(program string, emit func(string, any), closeFn func(), buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	p := &Publisher{
		program: program,
		emit:    emit,
		close:   closeFn,
		queue:   make(chan message, buffer),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	defer close(p.done)
	for m := range p.queue {
		p.emit(m.event, m.payload)
	}
}

func (p *Publisher) publish(event string, payload any) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- message{event: event, payload: payload}:
	default:
		p.dropped.Add(1)
	}
}

// Observe implements engine.Observer.
func (p *Publisher) Observe(ev engine.Event) {
	payload := InstructionPayload{
		Program:    p.program,
		Position:   ev.Position,
		Op:         ev.Instruction.Op.String(),
		Device:     ev.Instruction.Device,
		Operand:    ev.Instruction.Operand,
		EventSlot:  ev.Instruction.EventSlot,
		Skipped:    ev.Skipped,
		Bytes:      ev.Bytes,
		DurationNS: ev.Duration.Nanoseconds(),
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	p.publish(EventInstruction, payload)
}

// RunFinished publishes the outcome of one run.
func (p *Publisher) RunFinished(iteration int, err error, duration time.Duration) {
	payload := RunPayload{Program: p.program, Iteration: iteration, DurationNS: duration.Nanoseconds()}
	if err != nil {
		payload.Error = err.Error()
	}
	p.publish(EventRun, payload)
}

// Dropped returns the number of events discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close emits the queued events and disconnects. Events published after
// Close are discarded.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	if p.close != nil {
		p.close()
	}
	return nil
}
