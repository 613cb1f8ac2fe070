package logging

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute naming the component a logger serves.
const ComponentKey = "component"

// filter drops records below the level the Spec sets for the
// component recorded on the handler.
type filter struct {
	next      slog.Handler
	spec      Spec
	component string
}

// NewFilter wraps next so that records are filtered by spec. next
// should accept every level.
func NewFilter(next slog.Handler, spec Spec) slog.Handler {
	return &filter{next: next, spec: spec}
}

func (f *filter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= f.spec.LevelFor(f.component).Slog()
}

func (f *filter) Handle(ctx context.Context, r slog.Record) error {
	if !f.Enabled(ctx, r.Level) {
		return nil
	}
	return f.next.Handle(ctx, r)
}

func (f *filter) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &filter{next: f.next.WithAttrs(attrs), spec: f.spec, component: f.component}
	for _, a := range attrs {
		if a.Key == ComponentKey {
			child.component = a.Value.String()
		}
	}
	return child
}

func (f *filter) WithGroup(name string) slog.Handler {
	return &filter{next: f.next.WithGroup(name), spec: f.spec, component: f.component}
}
