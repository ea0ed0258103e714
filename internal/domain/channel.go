package domain

import "context"

// Channel is the interface for message transports (Telegram feed, HTTP ingest).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
