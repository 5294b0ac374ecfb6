package comms

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is used when NewDispatcher is given a non-positive size.
const DefaultQueueSize = 256

// Dispatcher queues notifications and publishes them on a Bus from a
// background goroutine. Notify never blocks; a full queue drops the
// notification and logs it.
type Dispatcher struct {
	bus     Bus
	queue   chan *Notification
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewDispatcher creates a Dispatcher. Call Run to start delivery.
func NewDispatcher(bus Bus, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: bus, queue: make(chan *Notification, size), logger: logger}
}

// Bus returns the bus notifications are published on.
func (d *Dispatcher) Bus() Bus { return d.bus }

// Notify stamps n and enqueues it for delivery.
func (d *Dispatcher) Notify(n *Notification) {
	if n.RecipientID == "" {
		return
	}
	if n.ID == "" {
		n.ID = uuid.Must(uuid.NewV7()).String()
	}
	if n.DeliveryMethod == "" {
		n.DeliveryMethod = DeliveryInApp
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping",
			slog.String("recipient", n.RecipientID),
			slog.String("subject", n.Subject))
	}
}

// Dropped returns the number of notifications lost to a full queue.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers queued notifications until ctx is cancelled, then drains
// whatever is still queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(context.WithoutCancel(ctx), n)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	if n.DeliveryMethod == DeliveryEmail {
		d.logger.Info("email notification",
			slog.String("recipient", n.RecipientID),
			slog.String("subject", n.Subject),
			slog.String("entity", n.RelatedEntityType+"/"+n.RelatedEntityID))
	}
	if err := d.bus.Publish(ctx, n); err != nil {
		d.logger.Error("notification delivery failed",
			slog.String("recipient", n.RecipientID),
			slog.Any("err", err))
	}
}
