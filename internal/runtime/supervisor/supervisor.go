// Package supervisor runs the service's long-lived goroutines under one
// context: each is named, panics are recovered, and the first failure is
// kept as the supervisor's error.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "livetimeline/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	log         logx.Logger
	cancelOnErr bool

	wg      sync.WaitGroup
	mu      sync.Mutex
	err     error
	running map[string]int
	done    chan struct{}
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failure cancel every other goroutine.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancelCause(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, running: map[string]int{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel(context.Canceled) }

// Err returns the first failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running lists the names of goroutines that have not returned yet.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for name, n := range s.running {
		for i := 0; i < n; i++ {
			out = append(out, name)
		}
	}
	return out
}

// Go runs fn under name. Returning context.Canceled is a clean exit; any
// other error, or a panic, is a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.running[name]++
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.exit(name)
		if err := s.call(name, fn); err != nil {
			s.fail(err)
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	err = fn(s.ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	s.log.Error("goroutine failed", logx.String("name", name), logx.Err(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Supervisor) exit(name string) {
	s.mu.Lock()
	if s.running[name]--; s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel(err)
	}
}

// Stop cancels and waits, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.Cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends. On timeout
// the error names the goroutines still running.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.done == nil {
		s.done = make(chan struct{})
		go func(done chan struct{}) {
			s.wg.Wait()
			close(done)
		}(s.done)
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w (still running: %v)", ctx.Err(), s.Running())
	}
}
