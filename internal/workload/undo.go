package workload

import (
	"errors"
	"log/slog"
)

// undoStack collects teardown steps as resources are acquired. If
// setup fails part way, rollback releases what was taken so far in
// reverse order. After a successful setup the same stack is the Close
// path.
type undoStack []func() error

// push appends a rollback closure to the stack.
func (u *undoStack) push(fn func() error) {
	*u = append(*u, fn)
}

// rollback executes all closures in reverse order, logging and
// collecting any errors. Returns nil if every closure succeeds.
func (u undoStack) rollback(logger *slog.Logger) error {
	var errs []error
	for i := len(u) - 1; i >= 0; i-- {
		if err := u[i](); err != nil {
			logger.Error("rollback step failed", "step", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
