package output

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"ratchet/pkg/metrics"
	"ratchet/pkg/models"
	"ratchet/pkg/storage"
	"ratchet/pkg/taskerr"
)

// Destination is one sink for an execution's output.
type Destination interface {
	Type() string
	Validate() error
	Deliver(ctx context.Context, out *TaskOutput, dctx *DeliveryContext) *DeliveryResult
}

// Config tunes the delivery manager.
type Config struct {
	// MaxConcurrentDeliveries bounds in-flight deliveries across jobs.
	MaxConcurrentDeliveries int
	// Environment names the deployment exposed as the env template var.
	Environment string
	// AllowLoopbackTargets relaxes the webhook URL policy for local
	// development.
	AllowLoopbackTargets bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentDeliveries: 10}
}

// Manager fans a completed result out to its destinations under a
// concurrency bound. Per-destination failures are recorded, never
// escalated; the caller decides policy from the returned vector.
type Manager struct {
	cfg        Config
	sem        chan struct{}
	deliveries storage.DeliveryStore
	log        *zap.Logger
}

// NewManager creates a delivery manager. deliveries may be nil when
// outcomes are not persisted.
func NewManager(cfg Config, deliveries storage.DeliveryStore, log *zap.Logger) *Manager {
	if cfg.MaxConcurrentDeliveries <= 0 {
		cfg.MaxConcurrentDeliveries = DefaultConfig().MaxConcurrentDeliveries
	}
	return &Manager{
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentDeliveries),
		deliveries: deliveries,
		log:        log,
	}
}

// build constructs a destination from its config.
func (m *Manager) build(cfg models.OutputDestination) (Destination, error) {
	switch cfg.Type {
	case "filesystem":
		return NewFilesystemDestination(cfg), nil
	case "webhook":
		d := NewWebhookDestination(cfg)
		d.AllowLoopbackTargets = m.cfg.AllowLoopbackTargets
		return d, nil
	default:
		return nil, taskerr.New(taskerr.KindConfig, "unknown destination type %q", cfg.Type)
	}
}

// DeliverAll fans out one result to every configured destination. The
// returned slice is index-aligned with configs. The call returns no
// error; each delivery failure is reported in its slot of the slice.
func (m *Manager) DeliverAll(ctx context.Context, out *TaskOutput, configs []models.OutputDestination) []DeliveryResult {
	if len(configs) == 0 {
		return nil
	}
	if out.Environment == "" {
		out.Environment = m.cfg.Environment
	}
	dctx := NewDeliveryContext(out)

	results := make([]DeliveryResult, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg models.OutputDestination) {
			defer wg.Done()

			m.sem <- struct{}{}
			defer func() { <-m.sem }()

			results[i] = m.deliverOne(ctx, out, dctx, cfg)
		}(i, cfg)
	}
	wg.Wait()

	for i := range results {
		m.record(ctx, out, &results[i])
	}
	return results
}

func (m *Manager) deliverOne(ctx context.Context, out *TaskOutput, dctx *DeliveryContext, cfg models.OutputDestination) DeliveryResult {
	dest, err := m.build(cfg)
	if err != nil {
		return DeliveryResult{Destination: cfg.Type, Error: err}
	}
	if err := dest.Validate(); err != nil {
		return DeliveryResult{Destination: dest.Type(), Error: err}
	}
	result := dest.Deliver(ctx, out, dctx)
	metrics.RecordDelivery(result.Destination, result.Success, result.Duration.Seconds())
	if !result.Success && m.log != nil {
		m.log.Warn("output delivery failed",
			zap.String("destination", result.Destination),
			zap.String("target", result.Target),
			zap.Int64("job_id", out.JobID),
			zap.Error(result.Error))
	}
	return *result
}

func (m *Manager) record(ctx context.Context, out *TaskOutput, result *DeliveryResult) {
	if m.deliveries == nil {
		return
	}
	jobID := out.JobID
	record := &models.DeliveryRecord{
		JobID:       &jobID,
		ExecutionID: out.ExecutionID,
		Destination: result.Destination,
		Target:      result.Target,
		Success:     result.Success,
		DurationMs:  result.Duration.Milliseconds(),
		SizeBytes:   result.SizeBytes,
		Error:       result.ErrorString(),
	}
	if result.ResponseInfo != "" {
		info := result.ResponseInfo
		record.ResponseInfo = &info
	}
	if err := m.deliveries.CreateDeliveryRecord(ctx, record); err != nil && m.log != nil {
		m.log.Error("failed to persist delivery record", zap.Error(err))
	}
}

// AllSucceeded reports whether every delivery in the vector succeeded.
func AllSucceeded(results []DeliveryResult) bool {
	for i := range results {
		if !results[i].Success {
			return false
		}
	}
	return true
}

// TestConfigurations validates destination configs and, for webhooks,
// leaves connectivity probing to the breaker on first use. Returns an
// index-aligned slice of validation errors (nil entries for valid ones).
func (m *Manager) TestConfigurations(configs []models.OutputDestination) []error {
	errs := make([]error, len(configs))
	for i, cfg := range configs {
		dest, err := m.build(cfg)
		if err != nil {
			errs[i] = err
			continue
		}
		errs[i] = dest.Validate()
	}
	return errs
}
