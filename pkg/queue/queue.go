package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/crashreport"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("queue stopped")

// Job is one unit of report handling
type Job struct {
	// Key pins the job to a worker; jobs with equal keys run in submit order
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

// Config configures the pool
type Config struct {
	Workers    int
	QueueSize  int // per worker
	JobTimeout time.Duration
}

// Pool is a keyed worker pool
type Pool struct {
	cfg     Config
	lanes   []chan Job
	group   *errgroup.Group
	mu      sync.RWMutex
	stopped bool
	logger  zerolog.Logger
}

// New creates a pool; call Start before Submit
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	lanes := make([]chan Job, cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan Job, cfg.QueueSize)
	}
	return &Pool{
		cfg:    cfg,
		lanes:  lanes,
		logger: log.WithComponent("queue"),
	}
}

// Start launches the workers. Jobs see ctx's values but not its
// cancellation, so Stop can still drain the queue after the caller's context
// ends; each job stays bounded by JobTimeout.
func (p *Pool) Start(ctx context.Context) {
	p.group, ctx = errgroup.WithContext(context.WithoutCancel(ctx))
	for i, lane := range p.lanes {
		i, lane := i, lane
		p.group.Go(func() error {
			p.work(ctx, i, lane)
			return nil
		})
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
}

// Submit enqueues job on its key's worker, blocking while that worker's
// queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	lane := p.lanes[p.laneFor(job.Key)]
	select {
	case lane <- job:
		metrics.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting jobs, runs what is queued and waits for the workers
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()

	if p.group != nil {
		_ = p.group.Wait()
	}
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) laneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *Pool) work(ctx context.Context, id int, lane <-chan Job) {
	for job := range lane {
		metrics.QueueDepth.Dec()
		p.run(ctx, id, job)
	}
}

func (p *Pool) run(ctx context.Context, worker int, job Job) {
	timer := metrics.NewTimer()
	logger := p.logger.With().Int("worker", worker).Str("job", job.Name).Str("key", job.Key).Logger()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.JobFailures.WithLabelValues("panic").Inc()
			logger.Error().Interface("panic", r).Msg("Job panicked")
			crashreport.ReportPanic(ctx, r)
		}
		timer.ObserveDurationVec(metrics.JobDuration, job.Name)
	}()

	if err := job.Run(ctx); err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		metrics.JobFailures.WithLabelValues(reason).Inc()
		logger.Error().Err(err).Str("reason", reason).Msg("Job failed")
	}
}
