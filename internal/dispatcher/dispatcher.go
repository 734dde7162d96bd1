// Package dispatcher drains the event queue: it claims due events,
// groups them per account, and delivers each group to the sink in one
// batch call, applying the retry schedule on failure.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbertolucci/relay/internal/capi"
	"github.com/mbertolucci/relay/internal/clock"
	"github.com/mbertolucci/relay/internal/domain"
	"github.com/mbertolucci/relay/internal/observability"
	"github.com/mbertolucci/relay/internal/repository"
	"github.com/mbertolucci/relay/internal/resilience"
	"github.com/mbertolucci/relay/internal/retry"
)

// Sink delivers one formatted batch for an account.
type Sink interface {
	Send(ctx context.Context, events []capi.SinkEvent, account *domain.Account) (*capi.SendResult, error)
}

// breakerRetryDelay is the short pushback applied when an account's
// circuit is open. Deliberately outside the retry schedule: the delay
// does not consume a retry slot.
const breakerRetryDelay = time.Second

var errDeliveryFailed = errors.New("sink delivery failed")

type Config struct {
	BatchSize int
	Fanout    int
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, Fanout: 4}
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	Claimed      int
	Sent         int
	Failed       int
	DeadLettered int
	Rescheduled  int
}

type Dispatcher struct {
	config   Config
	events   repository.EventRepository
	accounts repository.AccountRepository
	sink     Sink
	breakers *resilience.AccountBreakers
	policy   retry.Policy
	clock    clock.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func New(
	config Config,
	events repository.EventRepository,
	accounts repository.AccountRepository,
	sink Sink,
	breakers *resilience.AccountBreakers,
	policy retry.Policy,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Fanout <= 0 {
		config.Fanout = DefaultConfig().Fanout
	}
	return &Dispatcher{
		config:   config,
		events:   events,
		accounts: accounts,
		sink:     sink,
		breakers: breakers,
		policy:   policy,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// RunCycle claims one batch of due events and processes it to
// completion. Groups for distinct accounts run concurrently, bounded
// by Fanout; events within a group share one sink call and one fate.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	d.metrics.DispatchCycles.Inc()

	claimed, err := d.events.ClaimBatch(ctx, d.config.BatchSize)
	if err != nil {
		return CycleResult{}, err
	}
	d.metrics.DispatchClaimed.Observe(float64(len(claimed)))
	if len(claimed) == 0 {
		return CycleResult{}, nil
	}

	groups := groupByAccount(claimed)

	var (
		mu     sync.Mutex
		result = CycleResult{Claimed: len(claimed)}
		wg     sync.WaitGroup
		sem    = make(chan struct{}, d.config.Fanout)
	)
	for accountID, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(accountID string, group []*domain.Event) {
			defer wg.Done()
			defer func() { <-sem }()

			gr := d.processGroup(ctx, accountID, group)
			mu.Lock()
			result.Sent += gr.Sent
			result.Failed += gr.Failed
			result.DeadLettered += gr.DeadLettered
			result.Rescheduled += gr.Rescheduled
			mu.Unlock()
		}(accountID, group)
	}
	wg.Wait()

	d.logger.Info("dispatch cycle done",
		slog.Int("claimed", result.Claimed),
		slog.Int("sent", result.Sent),
		slog.Int("failed", result.Failed),
		slog.Int("dead_lettered", result.DeadLettered),
		slog.Int("rescheduled", result.Rescheduled))
	return result, nil
}

func groupByAccount(events []*domain.Event) map[string][]*domain.Event {
	groups := make(map[string][]*domain.Event)
	for _, ev := range events {
		groups[ev.AccountID] = append(groups[ev.AccountID], ev)
	}
	return groups
}

func (d *Dispatcher) processGroup(ctx context.Context, accountID string, group []*domain.Event) CycleResult {
	logger := d.logger.With(slog.String("account_id", accountID), slog.Int("events", len(group)))

	account, err := d.accounts.GetAccount(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return d.deadLetterGroup(ctx, logger, group, "account not found")
	case err != nil:
		// Transient store failure: push the group back untouched.
		logger.Error("load account", slog.Any("error", err))
		return d.rescheduleGroup(ctx, logger, group)
	case !account.Active:
		return d.deadLetterGroup(ctx, logger, group, "account is inactive")
	}

	if !d.breakers.Allow(accountID) {
		d.metrics.BreakerOpenSkips.WithLabelValues(accountID).Inc()
		logger.Warn("circuit open, group rescheduled")
		return d.rescheduleGroup(ctx, logger, group)
	}

	batch := make([]capi.SinkEvent, 0, len(group))
	for _, ev := range group {
		se := capi.Format(ev)
		batch = append(batch, se)
		payload, err := json.Marshal(se)
		if err != nil {
			continue
		}
		ev.SinkPayload = payload
		if err := d.events.UpdateSinkPayload(ctx, ev.EventID, payload); err != nil {
			logger.Error("record sink payload", slog.String("event_id", ev.EventID), slog.Any("error", err))
		}
	}

	d.metrics.SinkCalls.Inc()
	v, err := d.breakers.Execute(accountID, func() (any, error) {
		res, err := d.sink.Send(ctx, batch, account)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return res, errDeliveryFailed
		}
		return res, nil
	})

	res, _ := v.(*capi.SendResult)
	if res != nil {
		d.metrics.SinkLatency.Observe(res.Latency.Seconds())
	}

	switch {
	case err == nil:
		return d.markGroupSent(ctx, logger, group, res)
	case errors.Is(err, errDeliveryFailed):
		return d.failGroup(ctx, logger, group, res.ErrorMessage())
	case resilience.IsOpenErr(err):
		// Lost the race with the breaker tripping between Allow and Execute.
		d.metrics.BreakerOpenSkips.WithLabelValues(accountID).Inc()
		return d.rescheduleGroup(ctx, logger, group)
	default:
		return d.failGroup(ctx, logger, group, err.Error())
	}
}

func (d *Dispatcher) markGroupSent(ctx context.Context, logger *slog.Logger, group []*domain.Event, res *capi.SendResult) CycleResult {
	now := d.clock.Now()
	var out CycleResult
	for _, ev := range group {
		ev.MarkSent(now, res.RawResponse)
		if err := d.events.UpdateStatus(ctx, ev); err != nil {
			logger.Error("mark sent", slog.String("event_id", ev.EventID), slog.Any("error", err))
			continue
		}
		d.metrics.EventsSent.Inc()
		out.Sent++
	}
	logger.Info("group delivered", slog.Int("sent", out.Sent), slog.Int("status", res.StatusCode))
	return out
}

// failGroup applies one failed attempt to every event in the group:
// schedule a retry, or dead-letter the ones that just exhausted theirs.
func (d *Dispatcher) failGroup(ctx context.Context, logger *slog.Logger, group []*domain.Event, errMsg string) CycleResult {
	now := d.clock.Now()
	reason := ClassifyFailure(errMsg)

	var out CycleResult
	for _, ev := range group {
		if d.policy.Exhausted(ev.Retries) {
			ev.MarkRetrying(now, now, errMsg)
			ev.MarkDeadLettered(now, errMsg)
			if err := d.events.MoveToDeadLetter(ctx, ev, reason); err != nil {
				logger.Error("dead letter", slog.String("event_id", ev.EventID), slog.Any("error", err))
				continue
			}
			d.metrics.EventsDeadLettered.WithLabelValues(string(reason)).Inc()
			out.DeadLettered++
			continue
		}

		next := d.policy.NextRetryAt(now, ev.Retries)
		ev.MarkRetrying(now, next, errMsg)
		if err := d.events.UpdateStatus(ctx, ev); err != nil {
			logger.Error("mark retrying", slog.String("event_id", ev.EventID), slog.Any("error", err))
			continue
		}
		d.metrics.EventsRetried.Inc()
		out.Failed++
	}
	logger.Warn("group delivery failed",
		slog.String("reason", string(reason)),
		slog.String("error", errMsg),
		slog.Int("retrying", out.Failed),
		slog.Int("dead_lettered", out.DeadLettered))
	return out
}

func (d *Dispatcher) deadLetterGroup(ctx context.Context, logger *slog.Logger, group []*domain.Event, errMsg string) CycleResult {
	now := d.clock.Now()
	var out CycleResult
	for _, ev := range group {
		ev.MarkDeadLettered(now, errMsg)
		if err := d.events.MoveToDeadLetter(ctx, ev, domain.ReasonAccountInactive); err != nil {
			logger.Error("dead letter", slog.String("event_id", ev.EventID), slog.Any("error", err))
			continue
		}
		d.metrics.EventsDeadLettered.WithLabelValues(string(domain.ReasonAccountInactive)).Inc()
		out.DeadLettered++
	}
	logger.Warn("group dead-lettered", slog.String("error", errMsg), slog.Int("count", out.DeadLettered))
	return out
}

func (d *Dispatcher) rescheduleGroup(ctx context.Context, logger *slog.Logger, group []*domain.Event) CycleResult {
	now := d.clock.Now()
	next := now.Add(breakerRetryDelay)
	var out CycleResult
	for _, ev := range group {
		ev.Reschedule(now, next)
		if err := d.events.UpdateStatus(ctx, ev); err != nil {
			logger.Error("reschedule", slog.String("event_id", ev.EventID), slog.Any("error", err))
			continue
		}
		out.Rescheduled++
	}
	return out
}
