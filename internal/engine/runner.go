// Package engine runs campaigns: it walks recipient lists in batches,
// rotates sends across accounts under rate limits and checkpoints every
// transition.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/delivery"
	"github.com/mkrav/outreach/internal/metrics"
	"github.com/mkrav/outreach/internal/ratelimit"
	"github.com/mkrav/outreach/internal/store"
	"github.com/mkrav/outreach/internal/template"
)

// Control signals checked at batch boundaries.
const (
	signalNone int32 = iota
	signalPause
	signalStop
)

// Runner drives one campaign. It owns the campaign record while the
// campaign is running; all mutations of counters and state go through it.
type Runner struct {
	store    store.Store
	pool     *account.Pool
	limiter  *ratelimit.Limiter
	renderer *template.Renderer
	sender   delivery.Sender
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	campaign *store.Campaign

	signal atomic.Int32
	done   chan struct{}
}

// NewRunner creates a runner for one campaign. Config is assumed normalized
// by the manager.
func NewRunner(c *store.Campaign, st store.Store, pool *account.Pool, limiter *ratelimit.Limiter,
	renderer *template.Renderer, sender delivery.Sender, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		store:    st,
		pool:     pool,
		limiter:  limiter,
		renderer: renderer,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.With("component", "runner", "campaign_id", c.ID),
		metrics:  m,
		campaign: c,
		done:     make(chan struct{}),
	}
}

// Pause asks the runner to stop starting new sends. Observed at the next
// batch boundary; in-flight attempts finish first.
func (r *Runner) Pause() {
	r.signal.CompareAndSwap(signalNone, signalPause)
}

// Stop halts the campaign and resets any in-flight recipients to pending.
func (r *Runner) Stop() {
	r.signal.Store(signalStop)
}

// Done is closed when the runner has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run processes the campaign until it completes, fails or is told to stop.
// Context cancellation exits without changing the persisted state, so the
// campaign resumes on the next startup.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)

	r.logger.Info("campaign started",
		"name", r.campaignName(),
		"total", r.snapshot().Total,
	)

	for {
		if r.handleControl(ctx) {
			return
		}
		if r.capReached() {
			r.complete(ctx)
			return
		}

		batch, err := r.store.ListRecipients(ctx, r.campaignID(), store.RecipientFilter{
			Status: store.RecipientPending,
			Limit:  r.cfg.BatchSize,
		})
		if err != nil {
			r.logger.Error("failed to list recipients", "error", err)
			if !r.sleep(ctx, r.cfg.BatchPause) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			r.complete(ctx)
			return
		}

		progressed := r.runBatch(ctx, batch)

		if r.pool.ActiveCount() == 0 {
			r.fail(ctx, "no healthy sending accounts remain")
			return
		}
		if !progressed {
			// Every recipient was deferred by rate limits; wait for a
			// window to roll over instead of spinning.
			r.logger.Info("batch fully deferred by rate limits")
		}
		if !r.sleep(ctx, r.cfg.BatchPause) {
			return
		}
	}
}

// runBatch processes one batch with bounded concurrency. Returns false when
// no recipient made progress (all deferred for resources).
func (r *Runner) runBatch(ctx context.Context, batch []*store.Recipient) bool {
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	var progressed atomic.Bool

	for _, rec := range batch {
		sem <- struct{}{}
		// Check after taking a slot so a pause raised by an in-flight send
		// is seen before the next one starts.
		if ctx.Err() != nil || r.signal.Load() != signalNone || r.capReached() {
			<-sem
			break
		}
		wg.Add(1)
		go func(rec *store.Recipient) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if r.attempt(ctx, rec) {
				progressed.Store(true)
			}
		}(rec)
	}
	wg.Wait()

	return progressed.Load()
}

// attempt performs one send attempt for one recipient. Returns false when
// the recipient was deferred without an attempt (no account, rate denied,
// shutdown).
func (r *Runner) attempt(ctx context.Context, rec *store.Recipient) bool {
	// Checkpoint before any work so a crash here is detectable on restart.
	rec.Status = store.RecipientSending
	if err := r.persist(ctx, rec, nil, nil); err != nil {
		r.logger.Error("failed to checkpoint recipient", "recipient_id", rec.ID, "error", err)
		return false
	}

	acct, err := r.pool.Next(func(a *account.Account) bool {
		return r.limiter.HasHeadroom(a.Name)
	})
	if err != nil {
		// Resource exhaustion is not a recipient failure; put it back.
		r.requeue(ctx, rec)
		return false
	}

	res := r.limiter.Admit(acct.Name)
	if !res.Allowed {
		r.metrics.ObserveRateLimitDenied(string(res.DeniedBy))
		r.requeue(ctx, rec)
		return false
	}

	// Inter-send spacing is a scheduling delay, never a rejection.
	if res.Wait > 0 {
		if !r.sleep(ctx, res.Wait) {
			r.limiter.Release(acct.Name, res)
			r.requeue(ctx, rec)
			return false
		}
	}
	if ctx.Err() != nil || r.signal.Load() == signalStop {
		// The reserved slot was never used; give it back.
		r.limiter.Release(acct.Name, res)
		r.requeue(ctx, rec)
		return false
	}

	tpl := r.snapshot().Template
	rendered := r.renderer.Render(tpl.Subject, tpl.Text, tpl.HTML, rec.Attributes)
	msg := &delivery.Message{
		From:     acct.FromEmail,
		FromName: acct.DisplayName,
		To:       rec.Email,
		Subject:  rendered.Subject,
		Text:     rendered.Text,
		HTML:     rendered.HTML,
	}

	outcome := r.sender.Send(ctx, acct, msg)
	r.recordOutcome(ctx, rec, acct, outcome)
	return true
}

// recordOutcome applies one attempt's outcome to the recipient and campaign
// and persists everything atomically.
func (r *Runner) recordOutcome(ctx context.Context, rec *store.Recipient, acct *account.Account, outcome delivery.Outcome) {
	now := time.Now()
	rec.AccountName = acct.Name

	attempt := &store.SendAttempt{
		ID:          uuid.New().String(),
		CampaignID:  rec.CampaignID,
		RecipientID: rec.ID,
		Email:       rec.Email,
		AccountName: acct.Name,
		Outcome:     string(outcome.Kind),
		Reason:      outcome.Reason,
		Timestamp:   now,
	}

	var mutate func(*store.Campaign)

	switch outcome.Kind {
	case delivery.Delivered:
		rec.Status = store.RecipientSent
		rec.SentAt = &now
		rec.LastError = ""
		mutate = func(c *store.Campaign) { c.Sent++ }
		r.pool.RecordResult(acct.Name, true)

	case delivery.TransientFailure, delivery.RateRejected:
		rec.Retries++
		rec.LastError = outcome.Reason
		if rec.Retries < r.cfg.RetryCeiling {
			rec.Status = store.RecipientPending
		} else {
			rec.Status = store.RecipientFailed
			mutate = func(c *store.Campaign) { c.Failed++ }
		}
		r.pool.RecordResult(acct.Name, false)

	case delivery.PermanentFailure:
		rec.Status = store.RecipientFailed
		rec.LastError = outcome.Reason
		mutate = func(c *store.Campaign) { c.Failed++ }
		r.pool.RecordResult(acct.Name, false)
		if outcome.AuthFailure {
			r.pool.MarkUnhealthy(acct.Name, outcome.Reason)
			r.metrics.ObserveAccountUnhealthy(acct.Name)
			r.logger.Warn("account removed from rotation",
				"account", acct.Name, "reason", outcome.Reason)
		}
	}

	r.metrics.ObserveSend(string(outcome.Kind), acct.Name)

	if err := r.persist(ctx, rec, attempt, mutate); err != nil {
		// Treated as not recorded; the recipient will be picked up again.
		r.logger.Error("failed to persist outcome",
			"recipient_id", rec.ID, "outcome", outcome.Kind, "error", err)
	}
}

// requeue returns a recipient to pending without burning a retry.
func (r *Runner) requeue(ctx context.Context, rec *store.Recipient) {
	rec.Status = store.RecipientPending
	if err := r.persist(ctx, rec, nil, nil); err != nil {
		r.logger.Error("failed to defer recipient", "recipient_id", rec.ID, "error", err)
	}
}

// handleControl acts on pause/stop signals and context cancellation at a
// batch boundary. Returns true when the runner should exit.
func (r *Runner) handleControl(ctx context.Context) bool {
	switch r.signal.Load() {
	case signalPause:
		r.setState(ctx, store.StatePaused, "")
		r.logger.Info("campaign paused")
		return true
	case signalStop:
		r.resetInFlight(ctx)
		r.setState(ctx, store.StatePaused, "")
		r.logger.Info("campaign stopped")
		return true
	}
	if ctx.Err() != nil {
		// Shutdown: leave the state as running so it resumes on restart.
		r.logger.Info("campaign interrupted by shutdown")
		return true
	}
	return false
}

// resetInFlight returns any sending recipients to pending.
func (r *Runner) resetInFlight(ctx context.Context) {
	sending, err := r.store.ListRecipients(ctx, r.campaignID(), store.RecipientFilter{
		Status: store.RecipientSending,
	})
	if err != nil {
		r.logger.Error("failed to list in-flight recipients", "error", err)
		return
	}
	for _, rec := range sending {
		r.requeue(ctx, rec)
	}
}

func (r *Runner) complete(ctx context.Context) {
	now := time.Now()
	r.mu.Lock()
	r.campaign.CompletedAt = &now
	r.mu.Unlock()
	r.setState(ctx, store.StateCompleted, "")

	c := r.snapshot()
	r.logger.Info("campaign completed",
		"sent", c.Sent, "failed", c.Failed, "skipped", c.Skipped, "remaining", c.Remaining())
}

func (r *Runner) fail(ctx context.Context, reason string) {
	r.setState(ctx, store.StateFailed, reason)
	r.logger.Error("campaign failed", "reason", reason)
}

func (r *Runner) setState(ctx context.Context, state store.CampaignState, lastError string) {
	r.mu.Lock()
	r.campaign.State = state
	if lastError != "" {
		r.campaign.LastError = lastError
	}
	r.campaign.UpdatedAt = time.Now()
	c := *r.campaign
	r.mu.Unlock()

	if err := r.store.UpdateCampaign(ctx, &c); err != nil {
		r.logger.Error("failed to persist campaign state", "state", state, "error", err)
	}
}

// persist writes the recipient, optional attempt and campaign aggregates in
// one store transaction. mutate runs on the campaign under the lock.
func (r *Runner) persist(ctx context.Context, rec *store.Recipient, attempt *store.SendAttempt, mutate func(*store.Campaign)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mutate != nil {
		mutate(r.campaign)
	}
	r.campaign.UpdatedAt = time.Now()
	return r.store.UpdateProgress(ctx, r.campaign, rec, attempt)
}

// capReached reports whether the campaign hit its successful-send cap.
func (r *Runner) capReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaign.MaxSends > 0 && r.campaign.Sent >= r.campaign.MaxSends
}

func (r *Runner) snapshot() store.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaign
}

func (r *Runner) campaignID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaign.ID
}

func (r *Runner) campaignName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaign.Name
}

// sleep waits for d unless the context is canceled or a stop arrives.
// Returns false when interrupted.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
