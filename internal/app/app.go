package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"livetimeline/internal/auth"
	"livetimeline/internal/config"
	"livetimeline/internal/dispatcher"
	"livetimeline/internal/eventbus"
	"livetimeline/internal/runtime/supervisor"
	"livetimeline/internal/storage"
	"livetimeline/internal/task/scheduler"
	"livetimeline/internal/timeline"
	"livetimeline/internal/transport/httpapi"
	"livetimeline/internal/transport/push"
	logx "livetimeline/pkg/logx"
)

const flushJob = "storage.flush"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	disp     *dispatcher.Service
	verifier *auth.StaticVerifier
	tokens   *auth.Tokens
	hub      *push.Hub
	api      *httpapi.Server
	sched    *scheduler.Service

	srv      *http.Server
	timeouts config.Timeouts

	addrMu sync.Mutex
	addr   net.Addr
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage failures never abort startup: the timeline starts empty and
	// the in-memory state stays authoritative.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		appLog.Error("storage unavailable; running without persistence", logx.String("driver", sc.Driver), logx.String("path", sc.Path), logx.Err(err))
		store = nil
	}
	tl := timeline.Timeline{}
	if store != nil {
		lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		loaded, err := storage.LoadOrEmpty(lctx, store)
		cancel()
		if err != nil {
			appLog.Warn("timeline load failed; starting empty", logx.String("path", sc.Path), logx.Err(err))
		} else {
			appLog.Info("timeline loaded", logx.Int("items", len(loaded)), logx.String("driver", sc.Driver))
		}
		tl = loaded
	}

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatcher.New(dcfg, tl, store, nil, log.With(logx.String("comp", "dispatcher")), bus)

	verifier, err := auth.NewStaticVerifier(mapAdmins(cfg))
	if err != nil {
		return nil, fmt.Errorf("auth.admins: %w", err)
	}
	ttl, err := mapTokenTTL(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokens(cfg.Auth.TokenSecret, ttl)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.TokenSecret == "" {
		appLog.Warn("auth.token_secret not set; sessions will not survive a restart")
	}

	pcfg, err := mapPushConfig(cfg)
	if err != nil {
		return nil, err
	}
	hub := push.NewHub(pcfg, disp, tokens, log.With(logx.String("comp", "push")), bus)
	disp.SetBroadcaster(hub)

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(acfg, httpapi.Deps{
		Timeline: disp,
		Verifier: verifier,
		Tokens:   tokens,
		Push:     hub,
		Clients:  hub,
		Log:      log.With(logx.String("comp", "http")),
	})

	sched := scheduler.New(log.With(logx.String("comp", "scheduler")))
	if store != nil {
		if err := sched.Add(flushJob, cfg.Storage.FlushSchedule, dcfg.SaveTimeout, func(ctx context.Context) error {
			if !disp.Dirty() {
				return nil
			}
			return disp.Flush(ctx)
		}); err != nil {
			return nil, fmt.Errorf("storage.flush_schedule: %w", err)
		}
	}

	timeouts, err := cfg.Timeouts()
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		disp:     disp,
		verifier: verifier,
		tokens:   tokens,
		hub:      hub,
		api:      api,
		sched:    sched,
		timeouts: timeouts,
		srv: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
	}, nil
}

// Handler exposes the HTTP surface (used by tests).
func (a *App) Handler() http.Handler { return a.api }

// Addr returns the bound listen address once Start has returned.
func (a *App) Addr() net.Addr {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(cfg *config.Config) error {
		if err := auth.ValidateAdmins(mapAdmins(cfg)); err != nil {
			return fmt.Errorf("auth.admins: %w", err)
		}
		if _, err := scheduler.ParseSchedule(cfg.Storage.FlushSchedule); err != nil {
			return fmt.Errorf("storage.flush_schedule: %w", err)
		}
		return nil
	})

	a.disp.Start(a.sup.Context())

	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.srv.Addr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()

	a.sup.Go("http.serve", func(c context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	a.sched.Start(a.sup.Context())

	// Log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.startReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started", logx.String("addr", ln.Addr().String()), logx.Int("admins", a.verifier.Len()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, report when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop accepting requests first, then drop push clients, so no command
	// arrives after the dispatcher stops.
	step("http", a.timeouts.Shutdown, func(c context.Context) error { return a.srv.Shutdown(c) })
	step("push", 2*time.Second, func(c context.Context) error { return a.hub.Close(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// The dispatcher makes a final save attempt if the last one failed.
	step("dispatcher", 5*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, cancel and wait for supervised goroutines (config watch/reload, event log).
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
