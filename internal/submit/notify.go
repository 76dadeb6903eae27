package submit

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Change announces the paths a submit changed in one store.
type Change struct {
	Store   string   `json:"store"`
	Version int      `json:"version"`
	Paths   []string `json:"paths"`
}

// Notifier is told about committed changes. A failing notifier does not
// fail the submit.
type Notifier interface {
	Notify(ctx context.Context, c Change) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Change) error { return nil }

// LogNotifier writes every change to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards.
func NewLogNotifier(l *zap.Logger) *LogNotifier {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogNotifier{log: l.Named("submit")}
}

func (n *LogNotifier) Notify(_ context.Context, c Change) error {
	n.log.Info("store changed",
		zap.String("store", c.Store),
		zap.Int("version", c.Version),
		zap.Strings("paths", c.Paths),
	)
	return nil
}

// Notifiers fans a change out to several notifiers and returns the first
// error after all of them ran.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, c Change) error {
	var first error
	for _, n := range ns {
		if err := n.Notify(ctx, c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func sortChanges(cs []Change) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Store < cs[j].Store })
}
