// Package agent implements the runtime loop: a one-time registration
// handshake followed by two independent timers driving metric collection
// into the buffer and batch flushes out of it.
package agent

import (
	"context"
	"errors"
	"runtime"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/buffer"
	"github.com/operion/sentinel-agent/internal/config"
	"github.com/operion/sentinel-agent/internal/models"
	"github.com/operion/sentinel-agent/internal/session"
	"github.com/operion/sentinel-agent/internal/state"
)

// SentinelResourceID is the placeholder identity used when no credentials
// are configured and no registration has happened. It lets the agent run
// unauthenticated against test or development endpoints.
const SentinelResourceID = "test-resource-id"

// ErrNotRegistered is returned by a flush when credentials are configured
// but no resource id has been resolved. The drained samples are lost; this
// is an accepted trade-off, not a bug.
var ErrNotRegistered = errors.New("resource not registered")

// State is the scheduler lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateRunning
)

// MetricSource supplies samples on each collection tick.
type MetricSource interface {
	Collect(ctx context.Context) ([]models.Sample, error)
}

// Transport is the platform API surface the agent depends on.
type Transport interface {
	SendBatch(ctx context.Context, batch *models.Batch) error
	RegisterResource(ctx context.Context, reg *models.RegistrationRequest) (*models.RegistrationResponse, error)
}

// IdentityDetector probes for cloud instance identity, best effort.
type IdentityDetector interface {
	Detect(ctx context.Context) models.InstanceIdentity
}

// StateStore persists the registration identity across restarts.
type StateStore interface {
	Load() (*state.ResourceState, error)
	Save(*state.ResourceState) error
}

// Agent owns the buffer and drives the collect/flush cycle against it.
type Agent struct {
	cfg       *config.Config
	version   string
	hostname  string
	source    MetricSource
	transport Transport
	detector  IdentityDetector
	states    StateStore
	buf       *buffer.Buffer
	clock     clockwork.Clock
	logger    *zap.Logger

	state      State
	resourceID string
	session    session.Fingerprint
}

// New creates an Agent in the Idle state.
func New(
	cfg *config.Config,
	version string,
	source MetricSource,
	transport Transport,
	detector IdentityDetector,
	states StateStore,
	buf *buffer.Buffer,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Agent {
	return &Agent{
		cfg:       cfg,
		version:   version,
		hostname:  cfg.Hostname(),
		source:    source,
		transport: transport,
		detector:  detector,
		states:    states,
		buf:       buf,
		clock:     clock,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current lifecycle phase.
func (a *Agent) State() State { return a.state }

// ResourceID returns the resolved resource id, empty until registration
// succeeds or a persisted identity is adopted.
func (a *Agent) ResourceID() string { return a.resourceID }

// Run registers the resource once, then services the collection and flush
// timers until the context is cancelled. Collection and transmission
// failures are logged and never terminate the loop.
func (a *Agent) Run(ctx context.Context) error {
	a.session = session.Capture(ctx)

	a.state = StateRegistering
	a.register(ctx)
	a.state = StateRunning

	a.logger.Info("Agent running",
		zap.String("hostname", a.hostname),
		zap.Duration("collect_interval", a.cfg.Collection.Interval.Duration),
		zap.Duration("flush_interval", a.cfg.Collection.FlushInterval.Duration))

	collectTicker := a.clock.NewTicker(a.cfg.Collection.Interval.Duration)
	flushTicker := a.clock.NewTicker(a.cfg.Collection.FlushInterval.Duration)
	defer collectTicker.Stop()
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-collectTicker.Chan():
			a.collectOnce(ctx)
		case <-flushTicker.Chan():
			if err := a.flushOnce(ctx); err != nil {
				a.logger.Error("Flush failed", zap.Error(err))
			}
		}
	}
}

// register resolves the resource identity before telemetry begins. Without
// credentials it is skipped entirely; otherwise a persisted identity is
// adopted when present, and a fresh registration is attempted when not.
// Registration failure leaves the agent without an id rather than aborting.
func (a *Agent) register(ctx context.Context) {
	if !a.cfg.CredentialsConfigured() {
		a.logger.Info("No credentials configured, skipping resource registration")
		return
	}

	loaded, err := a.states.Load()
	if err != nil {
		a.logger.Warn("Failed to load resource state, will register anew", zap.Error(err))
	}
	if loaded != nil {
		// Adoption is deliberately permissive: the fingerprint comparison
		// is advisory and a mismatch does not force re-registration.
		a.logger.Info("Found existing resource registration",
			zap.String("resource_id", loaded.ResourceID),
			zap.String("registered_at", loaded.RegisteredAt))
		a.logger.Debug("Session continuity",
			zap.Bool("consistent", a.session.ConsistentWith(loaded.Session, 0)))
		a.resourceID = loaded.ResourceID
		return
	}

	a.logger.Info("No existing registration found, registering resource")
	identity := a.detector.Detect(ctx)

	resp, err := a.transport.RegisterResource(ctx, &models.RegistrationRequest{
		Hostname:         a.hostname,
		AgentVersion:     a.version,
		Platform:         runtime.GOOS,
		Arch:             runtime.GOARCH,
		InstanceMetadata: identity,
	})
	if err != nil {
		a.logger.Error("Resource registration failed, continuing without registration",
			zap.Error(err))
		return
	}

	a.logger.Info("Resource registered",
		zap.String("resource_id", resp.ResourceID),
		zap.String("status", resp.Status))
	a.resourceID = resp.ResourceID

	// Fire and forget: a persistence failure means the next process start
	// re-registers, the in-memory id still serves this run.
	if err := a.states.Save(state.New(resp.ResourceID, a.version, identity, a.session)); err != nil {
		a.logger.Warn("Failed to save resource state, will re-register on next start",
			zap.Error(err))
	}
}

// collectOnce pulls samples from the metric source into the buffer.
func (a *Agent) collectOnce(ctx context.Context) {
	samples, err := a.source.Collect(ctx)
	if err != nil {
		a.logger.Error("Metric collection failed", zap.Error(err))
		return
	}
	if len(samples) == 0 {
		return
	}
	a.buf.Push(samples)
	a.logger.Debug("Collected samples",
		zap.Int("count", len(samples)),
		zap.Int("buffered", a.buf.Len()))
}

// flushOnce drains the buffer and sends one batch. The drain happens
// before the id check, so a missing id with credentials configured loses
// the drained samples (see ErrNotRegistered). An empty buffer is a no-op.
func (a *Agent) flushOnce(ctx context.Context) error {
	drained := a.buf.DrainAll()
	if len(drained) == 0 {
		return nil
	}

	resourceID := a.resourceID
	if resourceID == "" {
		if a.cfg.CredentialsConfigured() {
			return ErrNotRegistered
		}
		resourceID = SentinelResourceID
	}

	batch := &models.Batch{
		ServerID:  resourceID,
		Hostname:  a.hostname,
		Timestamp: a.clock.Now().Unix(),
		Metrics:   drained,
	}

	if err := a.transport.SendBatch(ctx, batch); err != nil {
		return err
	}
	a.logger.Debug("Flushed batch", zap.Int("count", len(drained)))
	return nil
}
