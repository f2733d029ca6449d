package commission

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskvine/jobcore/internal/app/domain/commission"
	"github.com/taskvine/jobcore/internal/app/system"
	"github.com/taskvine/jobcore/pkg/logger"
)

// SummarySink receives completed period summaries from the roll-up job.
type SummarySink interface {
	Record(ctx context.Context, summary commission.Summary) error
}

// LogSink writes summaries to the service log. Used when no reporting
// backend is configured.
type LogSink struct {
	Log *logger.Logger
}

// Record implements SummarySink.
func (s LogSink) Record(_ context.Context, summary commission.Summary) error {
	s.Log.With("actor", summary.ActorID).
		Infof("period summary: %d transactions, gross %d, commission %d, net %d, avg rate %d bps",
			summary.Count, summary.GrossTotal, summary.CommissionTotal, summary.NetTotal, summary.AverageRateBps)
	return nil
}

// Rollup computes per-actor commission summaries for the previous day on a
// cron schedule. Summaries are folded from the stored transactions at run
// time, never from caches.
type Rollup struct {
	service  *Service
	sink     SummarySink
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Rollup)(nil)

// NewRollup creates a roll-up job. The schedule is a cron expression;
// it defaults to ten past midnight UTC.
func NewRollup(service *Service, sink SummarySink, schedule string, log *logger.Logger) *Rollup {
	if log == nil {
		log = logger.NewDefault("commission-rollup")
	}
	if schedule == "" {
		schedule = "10 0 * * *"
	}
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Rollup{service: service, sink: sink, schedule: schedule, log: log}
}

func (r *Rollup) Name() string { return "commission-rollup" }

// Start schedules the roll-up.
func (r *Rollup) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(r.schedule, func() { r.run(context.Background()) }); err != nil {
		return err
	}
	c.Start()

	r.cron = c
	r.running = true
	r.log.Infof("commission roll-up scheduled: %s", r.schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (r *Rollup) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.running = false
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run folds the previous UTC day.
func (r *Rollup) run(ctx context.Context) {
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.Add(-24 * time.Hour)
	r.RunPeriod(ctx, from, to.Add(-time.Nanosecond))
}

// RunPeriod computes and records summaries for every actor with
// transactions in the closed range.
func (r *Rollup) RunPeriod(ctx context.Context, from, to time.Time) {
	actors, err := r.service.store.ListTransactionActors(ctx, from, to)
	if err != nil {
		r.log.WithError(err).Warn("list transaction actors failed")
		return
	}
	for _, actorID := range actors {
		summary, err := r.service.Summary(ctx, actorID, from, to)
		if err != nil {
			r.log.WithError(err).Warnf("summary for %s failed", actorID)
			continue
		}
		if summary.Count == 0 {
			continue
		}
		if err := r.sink.Record(ctx, summary); err != nil {
			r.log.WithError(err).Warnf("record summary for %s failed", actorID)
		}
	}
}
