package workload

import (
	"errors"
	"log/slog"
	"testing"
)

func TestUndoStack_ReverseOrder(t *testing.T) {
	var order []int
	var undo undoStack
	for i := range 3 {
		undo.push(func() error {
			order = append(order, i)
			return nil
		})
	}
	if err := undo.rollback(slog.Default()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[1] != 1 || order[2] != 0 {
		t.Fatalf("expected reverse order [2 1 0], got %v", order)
	}
}

func TestUndoStack_CollectsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	var undo undoStack
	undo.push(func() error { return errA })
	undo.push(func() error { return errB })

	err := undo.rollback(slog.Default())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors, got: %v", err)
	}
}

func TestPattern(t *testing.T) {
	p := pattern(7, 2)
	if len(p) != 2*4096 {
		t.Fatalf("pattern length %d", len(p))
	}
	if string(p[:9]) != "sector 7;" || string(p[4096:4105]) != "sector 8;" {
		t.Fatalf("unexpected pattern start %q / %q", p[:9], p[4096:4105])
	}
}
