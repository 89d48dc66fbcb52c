package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"filebrowser-cdc/internal/models"
)

// Sink delivers a unit to one endpoint
type Sink interface {
	Name() string
	Deliver(ctx context.Context, unit *models.DeliveryUnit) error
}

// Multi fans a unit out to several sinks. The unit counts as delivered only
// when every sink accepted it; on partial failure the error names the sinks
// that did receive it, since those are missing from the ledger.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, unit *models.DeliveryUnit) error {
	var errs []error
	var delivered []string
	for _, s := range m {
		if err := s.Deliver(ctx, unit); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		delivered = append(delivered, s.Name())
	}

	err := errors.Join(errs...)
	if err != nil && len(delivered) > 0 {
		return fmt.Errorf("unit %s reached only %s: %w", unit.ID, strings.Join(delivered, ", "), err)
	}
	return err
}
