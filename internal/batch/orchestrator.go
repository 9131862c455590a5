// Package batch discovers scan pairs, runs the preprocessing pipeline for
// each on a bounded worker pool and reports a per-file result for every
// pair. A failing pair never stops the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scanprep/internal/monitoring"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/timeutil"
)

// State is the lifecycle position of one pair.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Result is the outcome of one pair.
type Result struct {
	Pair     Pair          `json:"pair"`
	State    State         `json:"state"`
	Stage    scan.Stage    `json:"stage,omitempty"`
	Class    string        `json:"class,omitempty"`
	Err      error         `json:"-"`
	Message  string        `json:"error,omitempty"`
	Stats    FileStats     `json:"stats"`
	Duration time.Duration `json:"duration_ns"`
}

// Summary aggregates a batch run. Processed counts pairs that reached a
// terminal state; pairs never started because the context was cancelled
// are counted in NotStarted.
type Summary struct {
	RunID      string        `json:"run_id"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	NotStarted int           `json:"not_started"`
	Unmatched  []string      `json:"unmatched,omitempty"`
	Failures   []Result      `json:"failures,omitempty"`
	Results    []Result      `json:"results"`
	Duration   time.Duration `json:"duration_ns"`
	RSSBytes   uint64        `json:"rss_bytes,omitempty"`
}

// WriteJSON writes s as indented JSON.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Observer is told about run and file state transitions. Implementations
// must be safe for concurrent use; errors are logged and otherwise ignored.
type Observer interface {
	RunStarted(ctx context.Context, runID string, total int) error
	FileChanged(ctx context.Context, runID string, r Result) error
	RunFinished(ctx context.Context, s *Summary) error
}

// Orchestrator runs a Processor over pairs with at most Workers in flight.
type Orchestrator struct {
	Workers   int
	Processor Processor
	Observer  Observer
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
	// RunID is generated when empty.
	RunID string
	// Clock times the run and each file. Nil means the wall clock.
	Clock timeutil.Clock
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Run processes every pair and returns once all dispatched pairs are done.
// Cancelling ctx stops new pairs from starting; pairs already running
// finish. Results are in the order of pairs.
func (o *Orchestrator) Run(ctx context.Context, pairs []Pair) *Summary {
	log := monitoring.OrNop(o.Logger)
	runID := o.RunID
	if runID == "" {
		runID = NewRunID()
	}
	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	clock := timeutil.Or(o.Clock)
	start := clock.Now()

	if hs, err := monitoring.SampleHost(ctx); err == nil {
		log.Info("batch starting", append(hs.Fields(),
			zap.String("run_id", runID),
			zap.Int("pairs", len(pairs)),
			zap.Int("workers", workers))...)
	} else {
		log.Info("batch starting", zap.String("run_id", runID), zap.Int("pairs", len(pairs)), zap.Int("workers", workers))
	}
	o.observe(log, "run started", func() error { return o.Observer.RunStarted(ctx, runID, len(pairs)) })

	results := make([]Result, len(pairs))
	for i, p := range pairs {
		results[i] = Result{Pair: p, State: Pending}
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range pairs {
		if ctx.Err() != nil {
			log.Warn("batch cancelled, not starting remaining pairs",
				zap.Int("remaining", len(pairs)-i))
			break
		}
		g.Go(func() error {
			results[i] = o.runOne(ctx, log, clock, runID, pairs[i])
			return nil
		})
	}
	g.Wait()

	s := &Summary{RunID: runID, Results: results, Duration: clock.Since(start)}
	for _, r := range results {
		switch r.State {
		case Succeeded:
			s.Succeeded++
		case Failed:
			s.Failed++
			s.Failures = append(s.Failures, r)
		default:
			s.NotStarted++
			o.observe(log, "file not started", func() error {
				return o.Observer.FileChanged(context.WithoutCancel(ctx), runID, r)
			})
		}
	}
	s.Processed = s.Succeeded + s.Failed
	if hs, err := monitoring.SampleHost(context.Background()); err == nil {
		s.RSSBytes = hs.ProcessRSS
	}

	log.Info("batch finished",
		zap.String("run_id", runID),
		zap.Int("processed", s.Processed),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("not_started", s.NotStarted),
		zap.Duration("duration", s.Duration),
		zap.Uint64("rss_bytes", s.RSSBytes))
	o.observe(log, "run finished", func() error { return o.Observer.RunFinished(context.WithoutCancel(ctx), s) })
	return s
}

func (o *Orchestrator) runOne(ctx context.Context, log *zap.Logger, clock timeutil.Clock, runID string, p Pair) Result {
	r := Result{Pair: p, State: Running}
	o.observe(log, "file running", func() error { return o.Observer.FileChanged(ctx, runID, r) })

	start := clock.Now()
	stats, err := o.process(ctx, p)
	r.Duration = clock.Since(start)
	r.Stats = stats

	if err != nil {
		r.State = Failed
		r.Err = err
		r.Message = err.Error()
		r.Stage = scan.StageOf(err)
		r.Class = scan.Class(err)
		o.Metrics.FileDone(string(Failed))
		log.Error("scan pair failed",
			zap.String("base_name", p.BaseName),
			zap.String("geometry", p.GeometryPath),
			zap.String("labels", p.LabelPath),
			zap.String("stage", string(r.Stage)),
			zap.String("class", r.Class),
			zap.Error(err))
		var pe *PanicError
		if errors.As(err, &pe) {
			log.Error("scan pair panicked", zap.String("base_name", p.BaseName), zap.ByteString("stack", pe.Stack))
		}
	} else {
		r.State = Succeeded
		o.Metrics.FileDone(string(Succeeded))
		log.Info("scan pair done",
			zap.String("base_name", p.BaseName),
			zap.Int("points_in", stats.PointsIn),
			zap.Int("voxels", stats.Voxels),
			zap.Int("rows_out", stats.RowsOut),
			zap.String("output", stats.OutputPath),
			zap.Duration("duration", r.Duration))
	}
	o.observe(log, "file finished", func() error {
		return o.Observer.FileChanged(context.WithoutCancel(ctx), runID, r)
	})
	return r
}

// process runs the Processor on one pair. A panic is turned into an error so
// one bad file cannot take down the batch.
func (o *Orchestrator) process(ctx context.Context, p Pair) (stats FileStats, err error) {
	defer recoverPanic(p, &err)
	return o.Processor.Process(ctx, p)
}

// recoverPanic must be deferred directly. It stores a recovered panic in
// *err as a *PanicError.
func recoverPanic(p Pair, err *error) {
	if rec := recover(); rec != nil {
		*err = &PanicError{Pair: p, Value: rec, Stack: debug.Stack()}
	}
}

// PanicError reports a panic raised while processing a pair.
type PanicError struct {
	Pair  Pair
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic processing %s (geometry %s, labels %s): %v",
		e.Pair.BaseName, e.Pair.GeometryPath, e.Pair.LabelPath, e.Value)
}

func (o *Orchestrator) observe(log *zap.Logger, what string, fn func() error) {
	if o.Observer == nil {
		return
	}
	if err := fn(); err != nil {
		log.Warn("observer failed", zap.String("event", what), zap.Error(err))
	}
}
