// Package supervisor owns the lifecycle of the push channel: connect,
// detect failure, back off, retry and tear down. It knows nothing about the
// feed beyond moving frames.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gauthierbraillon/feedsync/internal/clock"
	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// ChannelConfig describes the channel to open.
type ChannelConfig struct {
	URL      string
	Token    string
	ViewerID string
	Filter   feed.Filter
	// Hello, when set, is sent right after every successful connect.
	Hello *feed.Frame
}

// Channel is an open bidirectional event channel.
type Channel interface {
	// Frames delivers inbound frames and is closed when the channel ends.
	Frames() <-chan feed.Frame
	// Err reports why the channel ended, once Frames is closed.
	Err() error
	Send(ctx context.Context, f feed.Frame) error
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, cfg ChannelConfig) (Channel, error)
}

// Sink receives inbound frames. ctx is cancelled when the channel that
// produced the frame is superseded, so a blocked sink must give up on it.
type Sink func(ctx context.Context, f feed.Frame)

// Transition is a lifecycle change published to subscribers.
type Transition struct {
	From       Machine
	To         Machine
	Err        error
	Generation uint64
}

var errChannelClosed = errors.New("channel closed by peer")

// Supervisor keeps at most one channel open.
type Supervisor struct {
	dialer Dialer
	sink   Sink
	policy Policy
	clock  clock.Clock
	logger *slog.Logger

	// opMu serializes Start and Stop.
	opMu sync.Mutex
	// emitMu keeps subscriber callbacks in transition order.
	emitMu sync.Mutex

	mu      sync.Mutex
	machine Machine
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	active  Channel
	subs    map[int]func(Transition)
	nextSub int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPolicy sets the retry schedule.
func WithPolicy(p Policy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithClock sets the clock used to wait between attempts.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a stopped supervisor delivering frames to sink.
func New(d Dialer, sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		dialer: d,
		sink:   sink,
		policy: DefaultPolicy(),
		clock:  clock.Real{},
		logger: slog.Default(),
		subs:   make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for every transition and returns a function that
// removes it. fn runs on the supervisor's goroutines and must not call
// Start or Stop.
func (s *Supervisor) Subscribe(fn func(Transition)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// State returns the current machine.
func (s *Supervisor) State() Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// Start stops any running channel, then connects with cfg in the
// background. ctx bounds the whole session.
func (s *Supervisor) Start(ctx context.Context, cfg ChannelConfig) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.shutdown()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Debug("starting event channel", "url", cfg.URL, "filter", string(cfg.Filter), "generation", gen)
	go s.run(runCtx, gen, cfg, done)
}

// Stop tears the channel down and waits for its goroutine to exit.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.shutdown()
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.transition(gen, nil, func(m Machine) Machine { return m.Stopped() })
}

// Send writes an outbound frame on the active channel.
func (s *Supervisor) Send(ctx context.Context, f feed.Frame) error {
	s.mu.Lock()
	ch := s.active
	s.mu.Unlock()
	if ch == nil {
		return feed.ErrTransport
	}
	if err := ch.Send(ctx, f); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTransport, err)
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context, gen uint64, cfg ChannelConfig, done chan struct{}) {
	defer close(done)

	for {
		if !s.transition(gen, nil, func(m Machine) Machine {
			if m.State == StateBackoff {
				return m.Retry()
			}
			return m.Begin()
		}) {
			return
		}

		err := s.connectOnce(ctx, gen, cfg)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("event channel failed", "error", err, "generation", gen)
		var next Machine
		if !s.transition(gen, err, func(m Machine) Machine {
			next = m.Failed(s.policy)
			return next
		}) {
			return
		}
		if next.Unavailable {
			s.logger.Warn("event channel unavailable, continuing pull-only", "attempts", next.Attempt)
			return
		}
		if !s.wait(ctx, next) {
			return
		}
	}
}

func (s *Supervisor) connectOnce(ctx context.Context, gen uint64, cfg ChannelConfig) error {
	ch, err := s.dialer.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTransport, err)
	}
	defer func() {
		s.mu.Lock()
		if s.active == ch {
			s.active = nil
		}
		s.mu.Unlock()
		_ = ch.Close()
	}()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ctx.Err()
	}
	s.active = ch
	s.mu.Unlock()

	if !s.transition(gen, nil, func(m Machine) Machine { return m.Connected() }) {
		return ctx.Err()
	}
	if cfg.Hello != nil {
		if err := ch.Send(ctx, *cfg.Hello); err != nil {
			s.logger.Debug("failed to send hello frame", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-ch.Frames():
			if !ok {
				if err := ch.Err(); err != nil {
					return fmt.Errorf("%w: %v", feed.ErrTransport, err)
				}
				return fmt.Errorf("%w: %v", feed.ErrTransport, errChannelClosed)
			}
			s.sink(ctx, f)
		}
	}
}

func (s *Supervisor) wait(ctx context.Context, m Machine) bool {
	fired := make(chan struct{})
	t := s.clock.AfterFunc(m.Delay, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		return false
	}
}

// transition applies f if gen is still current and notifies subscribers.
func (s *Supervisor) transition(gen uint64, err error, f func(Machine) Machine) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	from := s.machine
	to := f(from)
	s.machine = to
	subs := make([]func(Transition), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.emitMu.Lock()
	s.mu.Unlock()

	defer s.emitMu.Unlock()
	if from == to {
		return true
	}
	tr := Transition{From: from, To: to, Err: err, Generation: gen}
	for _, fn := range subs {
		fn(tr)
	}
	return true
}
