package listener

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/queue"
	"github.com/truongvando/ezstream-sub005/pkg/types"
)

// ErrTransportExhausted is returned by Run once MaxReconnects consecutive
// subscription failures have happened
var ErrTransportExhausted = errors.New("report transport exhausted")

// Submitter accepts jobs; implemented by queue.Pool
type Submitter interface {
	Submit(ctx context.Context, job queue.Job) error
}

// JobFactory turns a decoded report into a job; implemented by handler.Handler
type JobFactory interface {
	Job(report types.Report) queue.Job
}

// Config configures the listener
type Config struct {
	Channel string
	Backoff time.Duration
	// MaxReconnects bounds consecutive failures; 0 retries forever
	MaxReconnects int
}

// Listener consumes the report channel and hands each report to the queue
type Listener struct {
	bus    bus.Bus
	cfg    Config
	jobs   JobFactory
	sink   Submitter
	logger zerolog.Logger
}

// New creates a report listener
func New(b bus.Bus, cfg Config, jobs JobFactory, sink Submitter) *Listener {
	if cfg.Channel == "" {
		cfg.Channel = bus.DefaultChannels.Reports
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Listener{
		bus:    b,
		cfg:    cfg,
		jobs:   jobs,
		sink:   sink,
		logger: log.WithComponent("listener"),
	}
}

// Run subscribes and consumes until ctx is done. Transport failures are
// retried after the backoff; Run returns nil on shutdown and
// ErrTransportExhausted when the reconnect ceiling is reached.
func (l *Listener) Run(ctx context.Context) error {
	logger := l.logger.With().Str("channel", l.cfg.Channel).Logger()
	failures := 0

	for {
		sub, err := l.bus.Subscribe(ctx, l.cfg.Channel)
		if err == nil {
			metrics.UpdateComponent(metrics.ComponentBus, true, "connected")
			metrics.UpdateComponent(metrics.ComponentListener, true, "subscribed")
			logger.Info().Msg("Subscribed to report channel")

			var received bool
			received, err = l.consume(ctx, sub)
			_ = sub.Close()
			if received {
				failures = 0
			}
		}

		if ctx.Err() != nil {
			metrics.UpdateComponent(metrics.ComponentListener, false, "stopped")
			logger.Info().Msg("Report listener stopped")
			return nil
		}
		if errors.Is(err, queue.ErrStopped) {
			metrics.UpdateComponent(metrics.ComponentListener, false, "queue stopped")
			logger.Info().Msg("Worker pool stopped, report listener exiting")
			return nil
		}

		failures++
		metrics.ListenerReconnects.Inc()
		metrics.UpdateComponent(metrics.ComponentBus, false, err.Error())
		metrics.UpdateComponent(metrics.ComponentListener, false, err.Error())

		if l.cfg.MaxReconnects > 0 && failures > l.cfg.MaxReconnects {
			logger.Error().Err(err).Int("failures", failures).Msg("Report transport exhausted")
			return ErrTransportExhausted
		}

		logger.Warn().Err(err).
			Int("failures", failures).
			Dur("backoff", l.cfg.Backoff).
			Msg("Report subscription failed, resubscribing")

		select {
		case <-time.After(l.cfg.Backoff):
		case <-ctx.Done():
			metrics.UpdateComponent(metrics.ComponentListener, false, "stopped")
			return nil
		}
	}
}

// consume reads until the subscription fails. It reports whether at least
// one message arrived.
func (l *Listener) consume(ctx context.Context, sub bus.Subscription) (bool, error) {
	received := false
	for {
		data, err := sub.Receive(ctx)
		if err != nil {
			return received, err
		}
		received = true

		report, err := types.DecodeReport(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, types.ErrUnknownReport) {
				reason = "unknown_type"
			}
			metrics.ReportsDropped.WithLabelValues(reason).Inc()
			l.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping report")
			continue
		}
		metrics.ReportsReceived.WithLabelValues(string(report.Type())).Inc()

		if err := l.sink.Submit(ctx, l.jobs.Job(report)); err != nil {
			return received, err
		}
	}
}
