package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "livetimeline/pkg/logx"
)

// Job is a scheduled unit of work. It must honor ctx.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	sched   Schedule
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	c    *cron.Cron
	ctx  context.Context
	defs []*jobDef
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

// Add registers a job. spec accepts anything ParseSchedule does. A job
// added while the service runs is scheduled immediately.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return fmt.Errorf("job %q already registered", name)
		}
	}
	def := &jobDef{name: name, sched: sched, timeout: timeout, job: job}
	s.defs = append(s.defs, def)
	if s.c != nil {
		s.scheduleLocked(def)
	}
	return nil
}

// Reschedule changes the schedule of a registered job.
func (s *Service) Reschedule(name, spec string) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name != name {
			continue
		}
		if d.sched.String() == sched.String() {
			return nil
		}
		d.sched = sched
		if s.c != nil {
			s.c.Remove(d.entryID)
			s.scheduleLocked(d)
		}
		return nil
	}
	return fmt.Errorf("job %q not registered", name)
}

// Start starts cron triggering. Jobs run with ctx as parent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	for _, d := range s.defs {
		s.scheduleLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Jobs lists registered jobs with their next/previous trigger times.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{Name: d.name, Spec: d.sched.String()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

// scheduleLocked installs d on the running cron. The job wrapper goes
// through the chain so panics and overlaps are handled there.
func (s *Service) scheduleLocked(d *jobDef) {
	d.entryID = s.c.Schedule(d.sched.cron, cron.FuncJob(func() { s.run(d) }))
}

func (s *Service) run(d *jobDef) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := d.job(ctx); err != nil {
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
