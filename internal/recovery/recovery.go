// Package recovery runs startup recovery for FunnelPipe components.
// Components that keep in-memory state derived from the store register here
// and rebuild that state once, before the process starts serving events.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context) error

func (f RecoverableFunc) RecoverState(ctx context.Context) error {
	return f(ctx)
}

type component struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	components []component
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a component that can be recovered. Components
// recover in registration order.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	if name == "" {
		name = fmt.Sprintf("%T", r)
	}
	rm.components = append(rm.components, component{name: name, r: r})
}

// Len returns the number of registered components.
func (rm *RecoveryManager) Len() int {
	return len(rm.components)
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.components))

	recoveredCount := 0
	errorCount := 0
	var firstErr error

	for _, c := range rm.components {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery aborted before %s: %w", c.name, err)
		}
		start := time.Now()
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", c.name)
			errorCount++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", c.name, err)
			}
			continue
		}
		slog.Debug("Component recovered", "component", c.name, "elapsed", time.Since(start))
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w", errorCount, len(rm.components), firstErr)
	}

	return nil
}
