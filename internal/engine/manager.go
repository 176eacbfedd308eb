package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/delivery"
	"github.com/mkrav/outreach/internal/email"
	"github.com/mkrav/outreach/internal/metrics"
	"github.com/mkrav/outreach/internal/ratelimit"
	"github.com/mkrav/outreach/internal/store"
	"github.com/mkrav/outreach/internal/template"
)

// Config tunes campaign execution.
type Config struct {
	// BatchSize is how many recipients one pass pulls from the store.
	BatchSize int `yaml:"batch_size"`

	// BatchPause is the wait between batches.
	BatchPause time.Duration `yaml:"batch_pause"`

	// Concurrency bounds in-flight sends per campaign.
	Concurrency int `yaml:"concurrency"`

	// RetryCeiling is the total number of attempts a recipient gets for
	// retryable outcomes before going terminal.
	RetryCeiling int `yaml:"retry_ceiling"`

	// PollInterval is the scheduler tick for due scheduled campaigns.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

// RecipientInput is one entry of a campaign creation request.
type RecipientInput struct {
	Email      string            `json:"email"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// CreateRequest describes a new campaign.
type CreateRequest struct {
	Name        string           `json:"name"`
	TemplateID  string           `json:"template_id"`
	Recipients  []RecipientInput `json:"recipients"`
	MaxSends    int              `json:"max_sends,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
}

// Manager owns campaign lifecycles: creation, start/pause/resume/stop,
// scheduled starts and crash recovery. All running campaigns share one
// account pool and one rate limiter.
type Manager struct {
	store     store.Store
	templates *template.Storage
	renderer  *template.Renderer
	pool      *account.Pool
	limiter   *ratelimit.Limiter
	sender    delivery.Sender
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	runners map[string]*Runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates the campaign manager.
func NewManager(st store.Store, templates *template.Storage, pool *account.Pool,
	limiter *ratelimit.Limiter, sender delivery.Sender, cfg Config,
	logger *slog.Logger, m *metrics.Metrics) *Manager {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		templates: templates,
		renderer:  template.NewRenderer(),
		pool:      pool,
		limiter:   limiter,
		sender:    sender,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		metrics:   m,
		runners:   make(map[string]*Runner),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start recovers interrupted work and begins the scheduler loop. Campaigns
// that were running when the process died resume automatically.
func (m *Manager) Start() error {
	recovered, err := m.store.RecoverInFlight(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight recipients: %w", err)
	}
	if recovered > 0 {
		m.logger.Info("recovered in-flight recipients", "count", recovered)
	}

	campaigns, err := m.store.ListCampaigns(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}
	for _, c := range campaigns {
		if c.State == store.StateRunning {
			m.logger.Info("resuming campaign after restart", "campaign_id", c.ID, "name", c.Name)
			m.launch(c)
		}
	}

	m.wg.Add(1)
	go m.schedulerLoop()

	return nil
}

// Shutdown stops all runners and waits for them to exit. Runner state stays
// running in the store so work resumes on the next start.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// CreateCampaign validates the request, snapshots the template and persists
// the campaign with its recipient list. Invalid addresses and unsubscribed
// recipients are marked skipped up front.
func (m *Manager) CreateCampaign(ctx context.Context, req *CreateRequest) (*store.Campaign, error) {
	if req.Name == "" {
		return nil, errors.New("campaign name is required")
	}
	if len(req.Recipients) == 0 {
		return nil, errors.New("campaign needs at least one recipient")
	}

	tmpl, err := m.templates.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", req.TemplateID, err)
	}

	now := time.Now()
	c := &store.Campaign{
		ID:   uuid.New().String(),
		Name: req.Name,
		Template: store.TemplateSnapshot{
			TemplateID: tmpl.ID,
			Name:       tmpl.Name,
			Subject:    tmpl.Subject,
			Text:       tmpl.Text,
			HTML:       tmpl.HTML,
			Version:    tmpl.Version,
		},
		State:       store.StateDraft,
		MaxSends:    req.MaxSends,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	recipients := make([]*store.Recipient, 0, len(req.Recipients))
	seen := make(map[string]bool, len(req.Recipients))
	position := 0
	for _, in := range req.Recipients {
		// The stored address is the bare form so the SMTP envelope never
		// sees a display name; invalid input is kept verbatim for the
		// skip record.
		addr, vErr := email.Normalize(in.Email)
		if vErr != nil {
			addr = strings.TrimSpace(in.Email)
		}
		key := strings.ToLower(addr)
		if seen[key] {
			continue // one send per address per campaign
		}
		seen[key] = true

		r := &store.Recipient{
			ID:         uuid.New().String(),
			CampaignID: c.ID,
			Position:   position,
			Email:      addr,
			Attributes: in.Attributes,
			Status:     store.RecipientPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		position++

		if vErr != nil {
			r.Status = store.RecipientSkipped
			r.LastError = vErr.Error()
			c.Skipped++
		} else if in.Attributes["Unsubscribed"] == "true" {
			r.Status = store.RecipientSkipped
			r.LastError = "recipient unsubscribed"
			c.Skipped++
		}

		recipients = append(recipients, r)
	}
	c.Total = len(recipients)

	if err := m.store.CreateCampaign(ctx, c, recipients); err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	m.logger.Info("campaign created",
		"campaign_id", c.ID, "name", c.Name, "total", c.Total, "skipped", c.Skipped)
	return c, nil
}

// StartCampaign moves a draft or paused campaign to running and launches
// its runner. Misconfiguration (no usable accounts) is reported as an error
// and leaves the state untouched.
func (m *Manager) StartCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	switch c.State {
	case store.StateDraft, store.StatePaused:
	case store.StateRunning:
		return nil, fmt.Errorf("campaign %s is already running", id)
	default:
		return nil, fmt.Errorf("campaign %s cannot start from state %s", id, c.State)
	}

	if m.pool.ActiveCount() == 0 {
		return nil, errors.New("no enabled sending accounts configured")
	}

	now := time.Now()
	c.State = store.StateRunning
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	c.UpdatedAt = now
	if err := m.store.UpdateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist campaign state: %w", err)
	}

	m.launch(c)
	return c, nil
}

// PauseCampaign signals the campaign's runner to pause at the next batch
// boundary.
func (m *Manager) PauseCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != store.StateRunning {
		return nil, fmt.Errorf("campaign %s is not running", id)
	}

	m.mu.Lock()
	runner := m.runners[id]
	m.mu.Unlock()

	if runner == nil {
		// No live runner (stale state from an unclean stop); pause directly.
		c.State = store.StatePaused
		c.UpdatedAt = time.Now()
		if err := m.store.UpdateCampaign(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	runner.Pause()
	return c, nil
}

// ResumeCampaign continues a paused campaign from its checkpoint. Already
// sent recipients are never re-attempted.
func (m *Manager) ResumeCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != store.StatePaused {
		return nil, fmt.Errorf("campaign %s is not paused", id)
	}
	return m.StartCampaign(ctx, id)
}

// StopCampaign halts a running campaign and resets its in-flight recipients.
// The campaign lands in paused and can be resumed later.
func (m *Manager) StopCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != store.StateRunning {
		return nil, fmt.Errorf("campaign %s is not running", id)
	}

	m.mu.Lock()
	runner := m.runners[id]
	m.mu.Unlock()

	if runner == nil {
		c.State = store.StatePaused
		c.UpdatedAt = time.Now()
		if err := m.store.UpdateCampaign(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	runner.Stop()
	return c, nil
}

// GetCampaign returns the persisted campaign record.
func (m *Manager) GetCampaign(ctx context.Context, id string) (*store.Campaign, error) {
	return m.store.GetCampaign(ctx, id)
}

// launch registers and starts a runner for the campaign.
func (m *Manager) launch(c *store.Campaign) {
	runner := NewRunner(c, m.store, m.pool, m.limiter, m.renderer, m.sender, m.cfg, m.logger, m.metrics)

	m.mu.Lock()
	m.runners[c.ID] = runner
	m.mu.Unlock()
	m.metrics.CampaignStarted()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runner.Run(m.ctx)

		m.mu.Lock()
		delete(m.runners, c.ID)
		m.mu.Unlock()
		m.metrics.CampaignStopped()
	}()
}

// schedulerLoop promotes due scheduled campaigns to running.
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.startDueCampaigns()
		}
	}
}

func (m *Manager) startDueCampaigns() {
	campaigns, err := m.store.ListCampaigns(m.ctx)
	if err != nil {
		m.logger.Error("scheduler failed to list campaigns", "error", err)
		return
	}

	now := time.Now()
	for _, c := range campaigns {
		if c.State != store.StateDraft || c.ScheduledAt == nil || c.ScheduledAt.After(now) {
			continue
		}
		m.logger.Info("starting scheduled campaign", "campaign_id", c.ID, "name", c.Name)
		if _, err := m.StartCampaign(m.ctx, c.ID); err != nil {
			m.logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err)
		}
	}
}
