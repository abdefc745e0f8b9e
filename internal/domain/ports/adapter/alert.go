package adapter

import "context"

// Notifier delivers operator alerts (dead reconciliations, rejected amounts).
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
