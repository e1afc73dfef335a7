package frame

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Direction is the flow orientation of a frame. Sources push Downstream
// toward the sink; control feedback travels Upstream toward the source.
type Direction int

const (
	Downstream Direction = iota
	Upstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Category determines how a frame is delivered: System frames bypass stage
// queues and are handled immediately, Data and Control frames are enqueued
// and strictly ordered per link.
type Category int

const (
	CategorySystem Category = iota
	CategoryData
	CategoryControl
)

func (c Category) String() string {
	switch c {
	case CategorySystem:
		return "system"
	case CategoryData:
		return "data"
	default:
		return "control"
	}
}

// Meta is the additive metadata carried by a frame. Stages append keys for
// tracing and metrics; downstream stages never remove them.
type Meta map[string]any

func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Frame is the atomic typed message unit flowing through a pipeline. The set
// of implementations is closed: stages type-switch on the concrete frame.
type Frame interface {
	ID() uint64
	Category() Category
	Timestamp() time.Time
	Direction() Direction
	Meta() Meta

	isFrame()
}

var lastID atomic.Uint64

func nextID() uint64 { return lastID.Add(1) }

type base struct {
	id   uint64
	ts   time.Time
	dir  Direction
	meta Meta
}

func newBase() base {
	return base{id: nextID(), ts: time.Now().UTC(), meta: Meta{}}
}

func (b *base) ID() uint64           { return b.id }
func (b *base) Timestamp() time.Time { return b.ts }
func (b *base) Direction() Direction { return b.dir }
func (b *base) Meta() Meta           { return b.meta }
func (b *base) isFrame()             {}

func (b *base) setTimestamp(ts time.Time)  { b.ts = ts }
func (b *base) setMeta(meta Meta)          { b.meta = meta }
func (b *base) setDirection(dir Direction) { b.dir = dir }

type settable interface {
	setTimestamp(time.Time)
	setMeta(Meta)
	setDirection(Direction)
}

// Restore overwrites the creation timestamp and metadata of a frame, used by
// transport serializers so a decoded frame round-trips losslessly. The frame
// keeps its locally assigned ID.
func Restore(f Frame, ts time.Time, meta Meta) {
	s, ok := f.(settable)
	if !ok {
		return
	}
	if !ts.IsZero() {
		s.setTimestamp(ts)
	}
	if meta != nil {
		s.setMeta(meta)
	}
}

// SetDirection reorients a frame before it is pushed the other way.
func SetDirection(f Frame, dir Direction) {
	if s, ok := f.(settable); ok {
		s.setDirection(dir)
	}
}

// Inherit copies the parent's metadata onto a derived frame without
// overwriting keys the child already carries. A stage producing a modified
// frame derives a new one instead of mutating the original.
func Inherit(child, parent Frame) {
	for k, v := range parent.Meta() {
		if _, ok := child.Meta()[k]; !ok {
			child.Meta()[k] = v
		}
	}
}

// Label renders a short identity for logs, e.g. "audio#42".
func Label(f Frame) string {
	return fmt.Sprintf("%s#%d", Kind(f), f.ID())
}

type systemBase struct{ base }

func (systemBase) Category() Category { return CategorySystem }

type dataBase struct{ base }

func (dataBase) Category() Category { return CategoryData }

type controlBase struct{ base }

func (controlBase) Category() Category { return CategoryControl }

func newSystem() systemBase   { return systemBase{base: newBase()} }
func newData() dataBase       { return dataBase{base: newBase()} }
func newControl() controlBase { return controlBase{base: newBase()} }
