package system

import "context"

// Service represents a lifecycle-managed component. The realtime hub, the
// commission roll-up poller, and the fan-out bridge all implement it so the
// runtime can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
