package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signalrelay/internal/domain"
	"signalrelay/internal/metrics"
	"signalrelay/internal/webhook"
)

// Dispatcher fans one delivery out: the webhook first, then the formatted
// text to every chat destination. The webhook result gates the fan-out;
// destination sends are fire-and-forget through the bus and one failing
// destination never blocks the others.
type Dispatcher struct {
	webhook      *webhook.Client
	bus          domain.MessageBus
	channelName  string
	destinations []domain.Destination
	relayMetrics *metrics.RelaySet
	logger       *slog.Logger
}

func NewDispatcher(client *webhook.Client, bus domain.MessageBus, channelName string, destinations []domain.Destination, set *metrics.RelaySet, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		webhook:      client,
		bus:          bus,
		channelName:  channelName,
		destinations: destinations,
		relayMetrics: set,
		logger:       logger,
	}
}

// Deliver posts the payload and fans the formatted text out. A webhook
// failure is returned before any fan-out happens so callers can fall back
// to the approval path.
func (d *Dispatcher) Deliver(ctx context.Context, p *webhook.Payload, formatted string) error {
	delivery := uuid.NewString()

	start := time.Now()
	err := d.webhook.Post(ctx, p)
	d.relayMetrics.WebhookLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		d.relayMetrics.WebhookErrors.Inc()
		d.logger.Error("webhook delivery failed", "delivery", delivery, "error", err)
		return fmt.Errorf("webhook delivery: %w", err)
	}
	d.logger.Info("webhook delivered", "delivery", delivery, "bytes", len(p.Body))

	for _, dest := range d.destinations {
		if dest.Zero() {
			continue
		}
		d.bus.SendOutbound(domain.OutboundMessage{
			Channel:  d.channelName,
			ChatID:   dest.ChatID,
			ThreadID: dest.ThreadID,
			Content:  formatted,
		})
		d.logger.Info("fanned out", "delivery", delivery, "chat", dest.ChatID, "thread", dest.ThreadID)
	}
	return nil
}

// Health probes the webhook endpoint.
func (d *Dispatcher) Health(ctx context.Context) error {
	return d.webhook.Health(ctx)
}
