package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"livetimeline/internal/eventbus"
	rtsup "livetimeline/internal/runtime/supervisor"
	"livetimeline/internal/storage"
	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store  storage.Store
	out    Broadcaster
	engine timeline.Engine

	q    chan request
	sup  *rtsup.Supervisor
	done chan struct{}

	// current is written only by the loop; readers get copies.
	current atomic.Pointer[timeline.Timeline]
	version atomic.Uint64

	// dirty is loop-owned: the last save failed and a later flush should retry it.
	dirty   bool
	isDirty atomic.Bool
}

// New creates a dispatcher seeded with initial. A nil store disables
// persistence; a nil broadcaster disables push.
func New(cfg Config, initial timeline.Timeline, store storage.Store, out Broadcaster, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		store: store,
		out:   out,
	}
	tl := initial.Clone()
	s.current.Store(&tl)
	return s
}

// SetEngine overrides the clock and id source. Call before Start.
func (s *Service) SetEngine(e timeline.Engine) { s.engine = e }

// SetBroadcaster installs the push target. Call before Start.
func (s *Service) SetBroadcaster(out Broadcaster) { s.out = out }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Start is idempotent.
	if s.sup != nil {
		return
	}
	s.q = make(chan request, s.cfg.QueueSize)
	s.done = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	q, done := s.q, s.done
	s.sup.Go0("dispatcher.loop", func(c context.Context) {
		defer close(done)
		s.loop(c, q)
	})
	s.log.Info("dispatcher started", logx.Int("items", len(*s.current.Load())), logx.Int("queue_cap", s.cfg.QueueSize))
}

// Stop ends the loop and makes one last save attempt if the previous save
// failed.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil {
		return err
	}
	if s.dirty {
		s.persist(ctx, *s.current.Load())
	}
	s.log.Info("dispatcher stopped", logx.Uint64("version", s.version.Load()))
	return nil
}

// Snapshot returns a copy of the last committed timeline.
func (s *Service) Snapshot() timeline.Timeline {
	return s.current.Load().Clone()
}

// Version returns the number of committed changes since start.
func (s *Service) Version() uint64 { return s.version.Load() }

// Dirty reports whether the last save failed.
func (s *Service) Dirty() bool { return s.isDirty.Load() }

// Submit queues cmd and waits for it to be applied. Errors from the
// transition (ErrNotFound, ...) are returned to the caller only; nothing is
// persisted or broadcast for them, unless Outcome.Changed is also set (a
// start on an unknown id still demotes the live item).
//
// A ctx error means the caller stopped waiting, not that cmd was dropped:
// once queued, cmd is applied and broadcast regardless.
func (s *Service) Submit(ctx context.Context, cmd timeline.Command) (Outcome, error) {
	r, err := s.roundTrip(ctx, request{kind: reqCommand, cmd: cmd})
	return r.out, err
}

// Attach runs fn with the current timeline inside the loop, ordered with
// commands. Registering a new client here means its first snapshot can
// never be older than a broadcast it later receives.
func (s *Service) Attach(ctx context.Context, fn func(tl timeline.Timeline)) error {
	_, err := s.roundTrip(ctx, request{kind: reqAttach, attach: fn})
	return err
}

// Flush retries a failed save. It is a no-op when the store is in sync.
func (s *Service) Flush(ctx context.Context) error {
	r, err := s.roundTrip(ctx, request{kind: reqFlush})
	if err != nil {
		return err
	}
	return r.err
}

func (s *Service) roundTrip(ctx context.Context, req request) (reply, error) {
	s.mu.Lock()
	q, done := s.q, s.done
	running := s.sup != nil
	s.mu.Unlock()
	if !running {
		return reply{}, ErrNotRunning
	}

	req.reply = make(chan reply, 1)
	select {
	case q <- req:
	case <-done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		if req.kind == reqFlush {
			return r, nil
		}
		return r, r.err
	case <-done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (s *Service) loop(ctx context.Context, q chan request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q:
			req.reply <- s.handle(ctx, req)
		}
	}
}

func (s *Service) handle(ctx context.Context, req request) reply {
	cur := *s.current.Load()
	switch req.kind {
	case reqAttach:
		if req.attach != nil {
			req.attach(cur)
		}
		return reply{}
	case reqFlush:
		if !s.dirty {
			return reply{}
		}
		return reply{err: s.persist(ctx, cur)}
	}

	res, err := s.engine.Apply(cur, req.cmd)
	if err != nil && !res.Changed {
		s.log.Debug("command rejected", logx.String("cmd", req.cmd.String()), logx.Err(err))
		return reply{err: err}
	}
	if !res.Changed {
		s.log.Debug("command was a no-op", logx.String("cmd", req.cmd.String()))
		return reply{out: Outcome{Version: s.version.Load()}}
	}

	next := res.State
	s.current.Store(&next)
	v := s.version.Add(1)
	s.log.Info("timeline committed",
		logx.String("cmd", req.cmd.String()),
		logx.Uint64("version", v),
		logx.Int("items", len(next)),
	)
	s.publish(eventbus.TypeCommitted, eventbus.Commit{Op: string(req.cmd.Op), ID: req.cmd.ID, Version: v, Items: len(next)})

	for _, eff := range res.Effects() {
		switch eff {
		case timeline.EffectPersist:
			// Save failures are logged and retried later; in-memory state stays authoritative.
			_ = s.persist(ctx, next)
		case timeline.EffectBroadcast:
			if s.out != nil {
				s.out.Broadcast(next)
			}
		}
	}
	if err != nil {
		s.log.Debug("command committed with error", logx.String("cmd", req.cmd.String()), logx.Err(err))
	}
	return reply{out: Outcome{Changed: true, Item: res.Item, Version: v}, err: err}
}

func (s *Service) persist(ctx context.Context, tl timeline.Timeline) error {
	if s.store == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SaveTimeout)
	defer cancel()

	start := time.Now()
	if err := s.store.Save(sctx, tl); err != nil {
		s.dirty = true
		s.isDirty.Store(true)
		s.log.Error("timeline save failed", logx.Err(err), logx.Int("items", len(tl)))
		s.publish(eventbus.TypePersistFailed, err.Error())
		return fmt.Errorf("save: %w", err)
	}
	if s.dirty {
		s.log.Info("timeline save recovered", logx.Int("items", len(tl)))
	}
	s.dirty = false
	s.isDirty.Store(false)
	s.publish(eventbus.TypePersisted, time.Since(start))
	return nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
