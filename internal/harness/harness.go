package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/avm/internal/avm"
	"github.com/roach88/avm/internal/content"
	"github.com/roach88/avm/internal/repo"
	"github.com/roach88/avm/internal/store"
	"github.com/roach88/avm/internal/submit"
	"github.com/roach88/avm/internal/syncer"
)

// epoch starts every scenario clock.
var epoch = time.UnixMilli(1700000000000).UTC()

// Harness executes scenario steps against one repository.
type Harness struct {
	repo      *repo.Repository
	engine    *syncer.Engine
	submitter *submit.Handler
	logger    *slog.Logger
	seq       int64
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes repository logs to l. Scenarios log nothing by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes a scenario in a fresh in-memory repository.
//
// Setup failures are returned as errors. Flow steps that disagree with their
// expect clause, and failed assertions, are reported in the result. The flow
// stops at the first step that fails unexpectedly.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.OpenWithOptions(store.Options{Driver: store.DriverSQLite, DSN: ":memory:", Logger: o.logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	r := repo.New(st, content.NewMemory(),
		repo.WithLogger(o.logger),
		repo.WithGUIDGenerator(avm.NewSequenceGenerator("g")),
		repo.WithClock(repo.NewStepClock(epoch, time.Millisecond)),
	)
	eng := syncer.New(r)
	h := &Harness{
		repo:      r,
		engine:    eng,
		submitter: submit.NewHandler(eng, submit.WithLogger(o.logger)),
		logger:    o.logger,
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		if _, err := operations[step.Op](ctx, h, step.Args); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Op, err)
		}
	}

	h.executeFlow(ctx, scenario.Flow, result)

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, r) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) {
	for i, step := range flow {
		h.seq++
		event := TraceEvent{Seq: h.seq, Op: step.Op, Args: step.Args, Case: CaseOK}

		out, err := operations[step.Op](ctx, h, step.Args)
		if err != nil {
			event.Case = CaseError
			event.Error = errorLabel(err)
		} else if out != nil {
			event.Result, err = normalize(out)
			if err != nil {
				result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Op, err))
				return
			}
		}
		result.AddTrace(event)

		h.logger.Debug("flow step", "step", i, "op", step.Op, "case", event.Case, "error", event.Error)

		if msg := checkExpect(step.Expect, event, err); msg != "" {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Op, msg))
			if event.Case == CaseError {
				return
			}
		}
	}
}

// errorLabel is the error code for repository errors and the message for
// anything else.
func errorLabel(err error) string {
	if code := avm.CodeOf(err); code != "" {
		return string(code)
	}
	return err.Error()
}

func checkExpect(expect *ExpectClause, event TraceEvent, err error) string {
	wantErr := ""
	if expect != nil {
		wantErr = expect.Error
	}
	switch {
	case wantErr == "" && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	case wantErr != "" && err == nil:
		return fmt.Sprintf("expected error %s, got success", wantErr)
	case wantErr != "" && event.Error != wantErr:
		return fmt.Sprintf("expected error %s, got %v", wantErr, err)
	}
	if expect == nil || expect.Result == nil {
		return ""
	}
	want, nerr := normalize(expect.Result)
	if nerr != nil {
		return nerr.Error()
	}
	if !matchArgs(event.Result, want) {
		return fmt.Sprintf("result %v does not match expected %v", event.Result, expect.Result)
	}
	return ""
}

// normalize round-trips v through JSON so results built in Go and values
// parsed from YAML compare equal.
func normalize(v map[string]any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}
