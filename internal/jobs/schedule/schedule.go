package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

const (
	JobBrokerMatch       = "broker_match"
	JobBrokerExpire      = "broker_expire"
	JobEmbeddingBackfill = "embedding_backfill"
)

const (
	DefaultMatchEvery    = time.Minute
	DefaultExpireEvery   = time.Minute
	DefaultBackfillEvery = 10 * time.Minute
	DefaultBackfillLimit = 100
)

type Broker interface {
	RunMatcher(ctx context.Context, now time.Time) (int, error)
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

type Backfiller interface {
	BackfillEmbeddings(ctx context.Context, limit int) (int, error)
}

type Config struct {
	MatchEvery    time.Duration
	ExpireEvery   time.Duration
	BackfillEvery time.Duration
	BackfillLimit int
	// JobTimeout bounds a single run. Zero uses the job's interval.
	JobTimeout time.Duration
	Location   *time.Location
}

func (c Config) withDefaults() Config {
	if c.MatchEvery <= 0 {
		c.MatchEvery = DefaultMatchEvery
	}
	if c.ExpireEvery <= 0 {
		c.ExpireEvery = DefaultExpireEvery
	}
	if c.BackfillEvery <= 0 {
		c.BackfillEvery = DefaultBackfillEvery
	}
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = DefaultBackfillLimit
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) (int, error)
}

// Scheduler runs the periodic broker and embedding jobs. A run that is
// still going when its next tick fires is skipped rather than stacked.
type Scheduler struct {
	log *logger.Logger
	cfg Config
	s   gocron.Scheduler
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func New(baseLog *logger.Logger, cfg Config, broker Broker, backfiller Backfiller) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	log := baseLog.With("component", "Scheduler")
	s, err := gocron.NewScheduler(
		gocron.WithLocation(cfg.Location),
		gocron.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sch := &Scheduler{log: log, cfg: cfg, s: s, now: time.Now, ctx: ctx, cancel: cancel}

	var jobs []job
	if broker != nil {
		jobs = append(jobs,
			job{JobBrokerMatch, cfg.MatchEvery, func(ctx context.Context) (int, error) { return broker.RunMatcher(ctx, sch.now()) }},
			job{JobBrokerExpire, cfg.ExpireEvery, func(ctx context.Context) (int, error) { return broker.ExpireDue(ctx, sch.now()) }},
		)
	}
	if backfiller != nil {
		jobs = append(jobs, job{JobEmbeddingBackfill, cfg.BackfillEvery, func(ctx context.Context) (int, error) {
			return backfiller.BackfillEmbeddings(ctx, cfg.BackfillLimit)
		}})
	}

	for _, j := range jobs {
		if _, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(sch.wrap(j.name, j.every, j.run)),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			cancel()
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
		sch.log.Info("Job scheduled", "job", j.name, "every", j.every.String())
	}
	return sch, nil
}

func (s *Scheduler) wrap(name string, every time.Duration, run func(ctx context.Context) (int, error)) func() {
	timeout := s.cfg.JobTimeout
	if timeout <= 0 {
		timeout = every
	}
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		ctx, span := observability.StartSpan(ctx, "job."+name)
		defer span.End()

		start := time.Now()
		n, err := run(ctx)
		if err != nil {
			observability.Current().IncTaskRun(name, "error")
			s.log.Warn("Scheduled job failed", "job", name, "error", err)
			return
		}
		observability.Current().IncTaskRun(name, "ok")
		if n > 0 {
			s.log.Info("Scheduled job ran", "job", name, "affected", n, "duration_ms", time.Since(start).Milliseconds())
		}
	}
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	jobs := s.s.Jobs()
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Name())
	}
	return out
}

func (s *Scheduler) Start() {
	s.s.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
