package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanprep/internal/monitoring"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/timeutil"
)

type fakeProcessor struct {
	fail     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	onCall   func()
	clock    *timeutil.MockClock
	step     time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, p Pair) (FileStats, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if f.onCall != nil {
		f.onCall()
	}
	if f.clock != nil {
		f.clock.Advance(f.step)
	}
	time.Sleep(f.delay)
	if err := f.fail[p.BaseName]; err != nil {
		return FileStats{PointsIn: 10}, err
	}
	return FileStats{PointsIn: 10, RowsOut: 4, OutputPath: "/out/" + p.BaseName}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	changes  map[string][]State
	finished *Summary
}

func (r *recordingObserver) RunStarted(_ context.Context, _ string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = total
	return nil
}

func (r *recordingObserver) FileChanged(_ context.Context, _ string, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.changes == nil {
		r.changes = map[string][]State{}
	}
	r.changes[res.Pair.BaseName] = append(r.changes[res.Pair.BaseName], res.State)
	return nil
}

func (r *recordingObserver) RunFinished(_ context.Context, s *Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = s
	return errors.New("observer errors are only logged")
}

func makePairs(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		base := fmt.Sprintf("scan_%02d", i)
		pairs[i] = Pair{BaseName: base, GeometryPath: base + ".pcd", LabelPath: base + ".asc"}
	}
	return pairs
}

func TestOrchestrator_ResultsAndSummary(t *testing.T) {
	loadErr := scan.AtStage(scan.StageLoad, &scan.LoadError{Path: "scan_02.pcd", Err: errors.New("corrupt")})
	proc := &fakeProcessor{fail: map[string]error{"scan_02": loadErr}}
	obs := &recordingObserver{}
	m := monitoring.NewMetrics()

	o := &Orchestrator{Workers: 3, Processor: proc, Observer: obs, Metrics: m, RunID: "run-1"}
	s := o.Run(context.Background(), makePairs(5))

	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 5, s.Processed)
	assert.Equal(t, 4, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Zero(t, s.NotStarted)
	require.Len(t, s.Failures, 1)

	f := s.Failures[0]
	assert.Equal(t, "scan_02", f.Pair.BaseName)
	assert.Equal(t, Failed, f.State)
	assert.Equal(t, scan.StageLoad, f.Stage)
	assert.Equal(t, "load", f.Class)
	assert.True(t, errors.Is(f.Err, scan.ErrLoad))
	assert.Contains(t, f.Message, "corrupt")

	for i, r := range s.Results {
		assert.Equal(t, fmt.Sprintf("scan_%02d", i), r.Pair.BaseName, "results keep input order")
	}

	assert.Equal(t, 5, obs.started)
	assert.Same(t, s, obs.finished)
	assert.Equal(t, []State{Running, Failed}, obs.changes["scan_02"])
	assert.Equal(t, []State{Running, Succeeded}, obs.changes["scan_00"])
}

func TestOrchestrator_RespectsWorkerLimit(t *testing.T) {
	proc := &fakeProcessor{delay: 5 * time.Millisecond}
	o := &Orchestrator{Workers: 2, Processor: proc}
	s := o.Run(context.Background(), makePairs(10))

	assert.Equal(t, 10, s.Succeeded)
	assert.LessOrEqual(t, proc.peak.Load(), int32(2))
	assert.Equal(t, int32(10), proc.calls.Load())
}

func TestOrchestrator_CancelStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &fakeProcessor{onCall: cancel}

	o := &Orchestrator{Workers: 1, Processor: proc}
	s := o.Run(ctx, makePairs(6))

	assert.Equal(t, 6, s.Processed+s.NotStarted)
	assert.GreaterOrEqual(t, s.NotStarted, 4)
	assert.Zero(t, s.Failed, "running pairs finish normally")
	for _, r := range s.Results[s.Processed:] {
		assert.Equal(t, Pending, r.State)
	}
}

func TestOrchestrator_EmptyAndDefaults(t *testing.T) {
	o := &Orchestrator{Processor: &fakeProcessor{}}
	s := o.Run(context.Background(), nil)
	assert.NotEmpty(t, s.RunID)
	assert.Zero(t, s.Processed)
	assert.Empty(t, s.Results)
}

func TestSummary_WriteJSON(t *testing.T) {
	proc := &fakeProcessor{fail: map[string]error{"scan_00": errors.New("boom")}}
	s := (&Orchestrator{Workers: 1, Processor: proc, RunID: "r"}).Run(context.Background(), makePairs(2))

	var buf bytes.Buffer
	require.NoError(t, s.WriteJSON(&buf))

	var decoded struct {
		RunID    string `json:"run_id"`
		Failed   int    `json:"failed"`
		Failures []struct {
			Error string `json:"error"`
			Class string `json:"class"`
		} `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "r", decoded.RunID)
	assert.Equal(t, 1, decoded.Failed)
	require.Len(t, decoded.Failures, 1)
	assert.Equal(t, "boom", decoded.Failures[0].Error)
	assert.Equal(t, "internal", decoded.Failures[0].Class)
}

func TestOrchestrator_DurationsFromClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	proc := &fakeProcessor{clock: clock, step: 2 * time.Second}
	o := &Orchestrator{Workers: 1, Processor: proc, Clock: clock}

	s := o.Run(context.Background(), makePairs(3))
	require.Len(t, s.Results, 3)
	for _, r := range s.Results {
		assert.Equal(t, 2*time.Second, r.Duration, r.Pair.BaseName)
	}
	assert.Equal(t, 6*time.Second, s.Duration)
}
