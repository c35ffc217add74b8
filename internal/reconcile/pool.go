package reconcile

import (
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// DefaultWorkers sizes the pool when no worker count is configured.
const DefaultWorkers = 8

// NewPool creates the worker pool shared by appliers. Submissions block
// while every worker is busy.
func NewPool(workers int, logger *zap.Logger) (*ants.Pool, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return ants.NewPool(workers,
		ants.WithPanicHandler(func(p any) {
			logger.Error("reconcile worker panic recovered",
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
	)
}
