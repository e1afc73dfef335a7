package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldt-labs/cascade/internal/frame"
)

// MetaKeyPrefix prefixes the per-stage time-to-first-byte keys appended to
// frame metadata. Downstream stages only ever add keys, so the metadata a
// frame carries at the sink is the union of every stage it crossed. Values
// are integer nanoseconds, which cross the wire codec unchanged.
const MetaKeyPrefix = "ttfb."

// Recorder observes frame transit through stages, appends TTFB metadata to
// the first output frame of each turn, and mirrors observations to
// OpenTelemetry instruments. A nil Recorder is valid and records nothing.
type Recorder struct {
	log  *slog.Logger
	now  func() time.Time
	ttfb metric.Float64Histogram
	seen metric.Int64Counter
	ints metric.Int64Counter

	mu    sync.Mutex
	turns map[string]*turnState
}

type turnState struct {
	firstIn  time.Time
	reported bool
}

func NewRecorder(log *slog.Logger) *Recorder {
	r := &Recorder{
		log:   log.With(slog.String("component", "metrics")),
		now:   time.Now,
		turns: make(map[string]*turnState),
	}
	meter := otel.Meter("github.com/veldt-labs/cascade")

	var err error
	if r.ttfb, err = meter.Float64Histogram("cascade.proc.ttfb_ms",
		metric.WithDescription("Time between first turn input and first turn output per stage")); err != nil {
		r.log.Warn("failed to create ttfb histogram", slog.String("error", err.Error()))
	}
	if r.seen, err = meter.Int64Counter("cascade.proc.frames",
		metric.WithDescription("Frames dispatched per stage")); err != nil {
		r.log.Warn("failed to create frame counter", slog.String("error", err.Error()))
	}
	if r.ints, err = meter.Int64Counter("cascade.proc.interruptions",
		metric.WithDescription("Preemptions observed per stage")); err != nil {
		r.log.Warn("failed to create interruption counter", slog.String("error", err.Error()))
	}
	return r
}

// FrameIn marks a frame arriving at a stage's handler.
func (r *Recorder) FrameIn(proc string, f frame.Frame) {
	if r == nil {
		return
	}
	if r.seen != nil {
		r.seen.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("proc", proc),
			attribute.String("kind", frame.Kind(f)),
		))
	}
	switch f.(type) {
	case *frame.TurnStartFrame:
		r.reset(proc)
		return
	case *frame.TurnEndFrame:
		r.clear(proc)
		return
	}
	if f.Category() != frame.CategoryData {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.turns[proc]
	if st == nil {
		st = &turnState{}
		r.turns[proc] = st
	}
	if st.firstIn.IsZero() {
		st.firstIn = r.now()
	}
}

// FrameOut marks a frame emitted downstream by a stage. The first Data frame
// emitted after a turn's first input carries the stage's TTFB as appended
// metadata; existing keys are never touched.
func (r *Recorder) FrameOut(proc string, f frame.Frame) {
	if r == nil || f.Category() != frame.CategoryData {
		return
	}
	r.mu.Lock()
	st := r.turns[proc]
	if st == nil || st.reported || st.firstIn.IsZero() {
		r.mu.Unlock()
		return
	}
	st.reported = true
	elapsed := r.now().Sub(st.firstIn)
	r.mu.Unlock()

	key := MetaKeyPrefix + proc
	if _, ok := f.Meta()[key]; !ok {
		f.Meta()[key] = elapsed.Nanoseconds()
	}
	if r.ttfb != nil {
		r.ttfb.Record(context.Background(), float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(attribute.String("proc", proc)))
	}
}

// Interrupted marks a preemption at a stage and abandons its current turn
// measurement.
func (r *Recorder) Interrupted(proc string) {
	if r == nil {
		return
	}
	if r.ints != nil {
		r.ints.Add(context.Background(), 1, metric.WithAttributes(attribute.String("proc", proc)))
	}
	r.clear(proc)
}

func (r *Recorder) reset(proc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[proc] = &turnState{}
}

func (r *Recorder) clear(proc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turns, proc)
}
