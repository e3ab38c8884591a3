package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/imrishuroy/go-sharded-checkout/internal/aws"
	"github.com/imrishuroy/go-sharded-checkout/internal/holds"
)

var tracer = otel.Tracer("sweeper")

const (
	// DefaultBudget leaves margin under the function runtime's hard limit.
	DefaultBudget   = 50 * time.Second
	DefaultPageSize = 100
	// deadlineHeadroom is kept free before an invocation deadline to write the
	// summary and return.
	deadlineHeadroom = 2 * time.Second
)

type Lister interface {
	ListExpired(ctx context.Context, now time.Time, limit int32) ([]holds.Hold, error)
}

type Expirer interface {
	Expire(ctx context.Context, holdID string) (bool, error)
}

// Redriver finds and retries restocks that failed after their claim.
type Redriver interface {
	ListRestockDue(ctx context.Context, before time.Time, limit int32) ([]holds.Hold, error)
	Redrive(ctx context.Context, holdID string) (bool, error)
}

// Report summarises one sweep.
type Report struct {
	Pages     int
	Processed int
	Expired   int
	Skipped   int // lost the claim to a concurrent settlement
	Failed    int
	Redriven  int // failed restocks returned on this run
	Elapsed   time.Duration
	TimedOut  bool
}

// Sweeper returns the stock of holds whose deadline passed without payment.
type Sweeper struct {
	holds    Lister
	expirer  Expirer
	redriver Redriver
	budget   time.Duration
	pageSize int32
	metrics  *aws.Metrics
	log      zerolog.Logger
	nowFunc  func() time.Time
}

type Option func(*Sweeper)

func WithBudget(d time.Duration) Option { return func(s *Sweeper) { s.budget = d } }

func WithPageSize(n int32) Option { return func(s *Sweeper) { s.pageSize = n } }

func WithMetrics(m *aws.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithRedrive makes every run finish with one page of restock redrives.
func WithRedrive(r Redriver) Option { return func(s *Sweeper) { s.redriver = r } }

func New(lister Lister, expirer Expirer, log zerolog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		holds:    lister,
		expirer:  expirer,
		budget:   DefaultBudget,
		pageSize: DefaultPageSize,
		log:      log.With().Str("component", "sweeper").Logger(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run expires holds page by page until none are left, the budget is spent,
// or a page makes no progress. Per-hold failures are logged and skipped; only
// a failed page query is returned as an error.
func (s *Sweeper) Run(ctx context.Context) (rep Report, err error) {
	ctx, span := tracer.Start(ctx, "sweeper.Run")
	defer span.End()

	start := s.nowFunc()
	deadline := start.Add(s.budget)
	if d, ok := ctx.Deadline(); ok && d.Add(-deadlineHeadroom).Before(deadline) {
		deadline = d.Add(-deadlineHeadroom)
	}

	defer func() {
		rep.Elapsed = s.nowFunc().Sub(start)
		span.SetAttributes(
			attribute.Int("sweep.expired", rep.Expired),
			attribute.Int("sweep.failed", rep.Failed),
			attribute.Bool("sweep.timed_out", rep.TimedOut),
		)
		s.finish(ctx, rep, err)
	}()

sweep:
	for {
		if !s.nowFunc().Before(deadline) {
			rep.TimedOut = true
			break
		}
		var page []holds.Hold
		page, err = s.holds.ListExpired(ctx, start, s.pageSize)
		if err != nil {
			err = fmt.Errorf("list expired holds: %w", err)
			return rep, err
		}
		if len(page) == 0 {
			break
		}
		rep.Pages++

		progressed := false
		for _, h := range page {
			if !s.nowFunc().Before(deadline) {
				rep.TimedOut = true
				break sweep
			}
			rep.Processed++
			ok, xerr := s.expirer.Expire(ctx, h.HoldID)
			switch {
			case xerr != nil:
				rep.Failed++
				s.log.Error().Err(xerr).Str("hold_id", h.HoldID).Msg("expire hold")
			case ok:
				rep.Expired++
				progressed = true
			default:
				rep.Skipped++
			}
		}
		if !progressed {
			// stale index or a failing store; the next tick retries
			s.log.Warn().Int("page_size", len(page)).Msg("sweep page made no progress, stopping")
			break
		}
	}

	if s.redriver != nil && !rep.TimedOut {
		s.redrive(ctx, start, deadline, &rep)
	}
	return rep, nil
}

// redrive works through one page of holds whose restock failed. A failed
// listing is logged and left to the next run; expiry already succeeded.
func (s *Sweeper) redrive(ctx context.Context, start, deadline time.Time, rep *Report) {
	due, err := s.redriver.ListRestockDue(ctx, start, s.pageSize)
	if err != nil {
		s.log.Error().Err(err).Msg("list restocks due")
		return
	}
	for _, h := range due {
		if !s.nowFunc().Before(deadline) {
			rep.TimedOut = true
			return
		}
		ok, rerr := s.redriver.Redrive(ctx, h.HoldID)
		switch {
		case rerr != nil:
			rep.Failed++
			s.log.Error().Err(rerr).Str("hold_id", h.HoldID).Msg("redrive restock")
		case ok:
			rep.Redriven++
		}
	}
}

func (s *Sweeper) finish(ctx context.Context, rep Report, err error) {
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	} else if rep.TimedOut {
		ev = s.log.Warn()
	}
	ev.Int("pages", rep.Pages).
		Int("processed", rep.Processed).
		Int("expired", rep.Expired).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Int("redriven", rep.Redriven).
		Dur("elapsed", rep.Elapsed).
		Bool("timed_out", rep.TimedOut).
		Msg("sweep finished")

	timedOut := 0
	if rep.TimedOut {
		timedOut = 1
	}
	merr := s.metrics.Emit(context.WithoutCancel(ctx),
		aws.Count("HoldsExpired", rep.Expired),
		aws.Count("HoldsSkipped", rep.Skipped),
		aws.Count("HoldsFailed", rep.Failed),
		aws.Count("RestocksRedriven", rep.Redriven),
		aws.Count("SweepTimedOut", timedOut),
		aws.Millis("SweepDuration", rep.Elapsed),
	)
	if merr != nil {
		s.log.Warn().Err(merr).Msg("emit sweep metrics")
	}
}
