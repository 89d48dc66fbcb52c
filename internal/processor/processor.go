package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
	"filebrowser-cdc/internal/notify"
)

// ErrCycleInFlight is returned when RunCycle is called while another cycle runs
var ErrCycleInFlight = errors.New("a change-detection cycle is already running")

// Fetcher lists the monitored tree
type Fetcher interface {
	Fetch(ctx context.Context) ([]models.RawEntry, error)
}

// Reconciler turns a listing into a committed change set
type Reconciler interface {
	Reconcile(ctx context.Context, scan []models.RawEntry) (*models.ChangeSet, error)
}

// Notifier delivers one unit
type Notifier interface {
	Deliver(ctx context.Context, unit *models.DeliveryUnit) error
}

// Recorder appends delivered changes to the notification ledger
type Recorder interface {
	RecordNotifications(ctx context.Context, records []models.NotificationRecord) (int, error)
}

// CycleResult summarises one cycle
type CycleResult struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Changes   *models.ChangeSet
	Units     int
	Delivered int
	Failed    int
	Recorded  int
}

// Processor runs change-detection cycles
type Processor struct {
	fetcher    Fetcher
	reconciler Reconciler
	notifier   Notifier
	recorder   Recorder
	limits     notify.Limits
	logger     *logrus.Logger
	now        func() time.Time

	running atomic.Bool
}

// NewProcessor creates a new cycle processor. recorder may be nil.
func NewProcessor(fetcher Fetcher, reconciler Reconciler, notifier Notifier, recorder Recorder, limits notify.Limits, logger *logrus.Logger) *Processor {
	return &Processor{
		fetcher:    fetcher,
		reconciler: reconciler,
		notifier:   notifier,
		recorder:   recorder,
		limits:     limits,
		logger:     logger,
		now:        time.Now,
	}
}

// RunCycle performs fetch, reconcile, batch, deliver and record once.
// Delivery failures are logged per unit and do not fail the cycle; the
// snapshot is already committed at that point.
func (p *Processor) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInFlight
	}
	defer p.running.Store(false)

	result := &CycleResult{
		ID:        uuid.NewString(),
		StartedAt: p.now(),
	}
	log := p.logger.WithField("cycle", result.ID)
	defer func() { result.Duration = p.now().Sub(result.StartedAt) }()

	scan, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to fetch listing: %w", err)
	}
	log.Debugf("Fetched %d entries", len(scan))

	cs, err := p.reconciler.Reconcile(ctx, scan)
	if err != nil {
		return result, fmt.Errorf("failed to reconcile: %w", err)
	}
	result.Changes = cs

	if cs.FirstRun {
		log.Infof("Initial scan stored %d files, notifications suppressed", cs.Seeded)
		return result, nil
	}
	if cs.Empty() {
		log.Info("No changes detected")
		return result, nil
	}

	units := notify.Batch(cs, p.limits)
	result.Units = len(units)

	for i, unit := range units {
		if err := p.notifier.Deliver(ctx, unit); err != nil {
			result.Failed++
			log.WithFields(logrus.Fields{
				"unit":    unit.ID,
				"changes": unit.Count(),
			}).Errorf("Failed to deliver notification %d/%d: %v", i+1, len(units), err)
			continue
		}
		result.Delivered++
		result.Recorded += p.record(ctx, log, result.ID, unit)
	}

	log.WithFields(logrus.Fields{
		"units":     result.Units,
		"delivered": result.Delivered,
		"failed":    result.Failed,
	}).Infof("Sent notifications for %d change(s)", cs.Total())

	return result, nil
}

func (p *Processor) record(ctx context.Context, log *logrus.Entry, cycleID string, unit *models.DeliveryUnit) int {
	if p.recorder == nil {
		return 0
	}
	// the unit is already out; don't lose its ledger rows to a shutdown
	n, err := p.recorder.RecordNotifications(context.WithoutCancel(ctx), unit.Records(cycleID, p.now()))
	if err != nil {
		log.Errorf("Failed to record notifications for unit %s: %v", unit.ID, err)
		return 0
	}
	return n
}

// Start runs a cycle immediately and then once per interval until ctx is
// cancelled. It only returns an error for authentication failures.
func (p *Processor) Start(ctx context.Context, interval time.Duration) error {
	p.logger.Infof("Starting monitor, checking every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, stopping monitor")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) tick(ctx context.Context) error {
	_, err := p.RunCycle(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrAuthentication):
		return err
	case errors.Is(err, ErrCycleInFlight):
		p.logger.Warn("Previous cycle still running, skipping")
	case ctx.Err() != nil:
		p.logger.Debugf("Cycle interrupted: %v", err)
	default:
		p.logger.Errorf("Cycle failed: %v", err)
	}
	return nil
}
