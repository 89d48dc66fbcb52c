package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
)

const defaultFlushTimeout = 5 * time.Second

// Message is the wire form of a delivery unit
type Message struct {
	Source    string                    `json:"source"`
	Timestamp int64                     `json:"timestamp"`
	Unit      *models.DeliveryUnit      `json:"unit"`
	Counts    map[models.ChangeType]int `json:"counts"`
}

// Publisher publishes delivery units to a NATS subject
type Publisher struct {
	conn    *nats.Conn
	subject string
	source  string
	logger  *logrus.Logger
}

// NewPublisher creates a new NATS publisher
func NewPublisher(url, subject, source string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}

	opts := []nats.Option{
		nats.Name("filebrowser-cdc"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &Publisher{
		conn:    conn,
		subject: subject,
		source:  source,
		logger:  logger,
	}, nil
}

// Name identifies the sink in logs
func (p *Publisher) Name() string { return "nats" }

// Deliver publishes the unit and flushes so a lost connection surfaces as an
// error for this unit rather than silently buffering.
func (p *Publisher) Deliver(ctx context.Context, unit *models.DeliveryUnit) error {
	data, err := Encode(unit, p.source, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrDelivery, err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("%w: failed to publish to NATS: %w", models.ErrDelivery, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: failed to flush NATS connection: %w", models.ErrDelivery, err)
	}

	p.logger.Debugf("Published unit %s (%d changes) to %s", unit.ID, unit.Count(), p.subject)
	return nil
}

// Encode builds the JSON message for a unit
func Encode(unit *models.DeliveryUnit, source string, at time.Time) ([]byte, error) {
	counts := make(map[models.ChangeType]int)
	for _, g := range unit.Groups {
		counts[g.ChangeType] += len(g.Entries) + g.TruncatedCount
	}

	data, err := json.Marshal(&Message{
		Source:    source,
		Timestamp: at.Unix(),
		Unit:      unit,
		Counts:    counts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal unit: %w", err)
	}
	return data, nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
