package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronScheduler runs named jobs on cron expressions
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*namedJob
}

type namedJob struct {
	name       string
	expression string
	schedule   cron.Schedule
	entryID    cron.EntryID
	createdAt  time.Time

	mu      sync.Mutex
	lastRun *time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler. Jobs recover from panics and a run
// that is still in progress causes the next one to be skipped.
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithParser(specParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	return &CronScheduler{
		logger: logger.Named("scheduler"),
		cron:   cron.New(cronOptions...),
		now:    time.Now,
		jobs:   make(map[string]*namedJob),
	}
}

// Start starts the scheduler
func (s *CronScheduler) Start() {
	s.logger.Info("Starting cron scheduler")
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron scheduler stopped")
}

// ScheduleFunc is ScheduleJob for a plain function.
func (s *CronScheduler) ScheduleFunc(name, expression string, fn func()) error {
	return s.ScheduleJob(name, expression, cron.FuncJob(fn))
}

// ScheduleJob registers job under name. A name can be registered only once;
// registering it again returns ErrJobAlreadyScheduled and keeps the first entry.
func (s *CronScheduler) ScheduleJob(name, expression string, job cron.Job) error {
	schedule, err := specParser.Parse(expression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyScheduled, name)
	}

	nj := &namedJob{
		name:       name,
		expression: expression,
		schedule:   schedule,
		createdAt:  s.now(),
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		start := s.now()
		nj.mu.Lock()
		nj.lastRun = &start
		nj.mu.Unlock()

		job.Run()

		s.logger.Debug("Executed job",
			zap.String("name", name),
			zap.Duration("took", s.now().Sub(start)))
	}))
	nj.entryID = entryID
	s.jobs[name] = nj

	s.logger.Info("Scheduled job",
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", schedule.Next(s.now())))
	return nil
}

// Unschedule removes a job
func (s *CronScheduler) Unschedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(nj.entryID)
	delete(s.jobs, name)

	s.logger.Info("Unscheduled job", zap.String("name", name))
	return nil
}

// IsScheduled reports whether a job is registered under name.
func (s *CronScheduler) IsScheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Jobs lists the registered jobs ordered by name
func (s *CronScheduler) Jobs() []model.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]model.ScheduledJob, 0, len(s.jobs))
	for _, nj := range s.jobs {
		next := s.cron.Entry(nj.entryID).Next
		if next.IsZero() {
			next = nj.schedule.Next(now)
		}

		nj.mu.Lock()
		var last *time.Time
		if nj.lastRun != nil {
			t := *nj.lastRun
			last = &t
		}
		nj.mu.Unlock()

		out = append(out, model.ScheduledJob{
			Name:        nj.name,
			Expression:  nj.expression,
			LastRunTime: last,
			NextRunTime: &next,
			CreatedAt:   nj.createdAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
