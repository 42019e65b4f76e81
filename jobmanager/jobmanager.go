// Package jobmanager runs named periodic jobs, such as the status heartbeat, on a gocron scheduler.
package jobmanager

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xnav-frc/xnav/logging"
)

// A JobConfig names a function and when to run it. Schedule is either a Go duration such as "5s"
// or a five-field cron expression.
type JobConfig struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Jobmanager owns the scheduler and the jobs added to it. Jobs never overlap themselves: a run
// that is still going when the next one is due pushes the next one back.
type Jobmanager struct {
	scheduler gocron.Scheduler
	logger    logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu           sync.Mutex
	namesToUUIDs map[string]uuid.UUID
}

// New returns a stopped Jobmanager.
func New(logger logging.Logger) (*Jobmanager, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobmanager{
		scheduler:    scheduler,
		logger:       logger.Sublogger("jobs"),
		ctx:          ctx,
		cancel:       cancel,
		namesToUUIDs: map[string]uuid.UUID{},
	}, nil
}

// Add schedules a job, replacing any job with the same name.
func (jm *Jobmanager) Add(jc JobConfig) error {
	if jc.Name == "" || jc.Run == nil {
		return errors.New("job needs a name and a function")
	}
	var jobType gocron.JobDefinition
	if d, err := time.ParseDuration(jc.Schedule); err == nil {
		if d <= 0 {
			return errors.Errorf("job %q: interval must be positive, got %v", jc.Name, d)
		}
		jobType = gocron.DurationJob(d)
	} else {
		jobType = gocron.CronJob(jc.Schedule, false)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if id, ok := jm.namesToUUIDs[jc.Name]; ok {
		if err := jm.scheduler.RemoveJob(id); err != nil {
			jm.logger.Warnw("removing replaced job", "job", jc.Name, "error", err)
		}
		delete(jm.namesToUUIDs, jc.Name)
	}

	j, err := jm.scheduler.NewJob(
		jobType,
		gocron.NewTask(jm.wrap(jc)),
		gocron.WithName(jc.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Wrapf(err, "scheduling job %q", jc.Name)
	}
	jm.namesToUUIDs[jc.Name] = j.ID()
	jm.logger.Debugw("job scheduled", "job", jc.Name, "schedule", jc.Schedule)
	return nil
}

func (jm *Jobmanager) wrap(jc JobConfig) func() {
	return func() {
		if jm.ctx.Err() != nil {
			return
		}
		if err := jc.Run(jm.ctx); err != nil {
			jm.logger.Warnw("job failed", "job", jc.Name, "error", err)
		}
	}
}

// Jobs returns the names of the scheduled jobs.
func (jm *Jobmanager) Jobs() []string {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	names := make([]string, 0, len(jm.namesToUUIDs))
	for name := range jm.namesToUUIDs {
		names = append(names, name)
	}
	return names
}

// Start begins running jobs.
func (jm *Jobmanager) Start() {
	jm.scheduler.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (jm *Jobmanager) Shutdown() error {
	jm.cancel()
	return jm.scheduler.Shutdown()
}
