// Package frame defines the frame handle that moves through the pipeline and the
// reference-counting owner that pins its buffer.
package frame

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// Frame is one input picture. Image is used by in-process encoders; Handle carries a
// buffer owned by an external allocator. Both are opaque to the pipeline.
type Frame struct {
	StreamID uint32
	FrameID  uint64
	Width    int
	Height   int
	Image    image.Image
	Handle   any
	UserData any
}

// Key identifies a frame across streams.
type Key struct {
	StreamID uint32
	FrameID  uint64
}

// Key returns the frame's identity.
func (f *Frame) Key() Key {
	return Key{StreamID: f.StreamID, FrameID: f.FrameID}
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.StreamID, k.FrameID)
}

// Size returns the frame dimensions, falling back to the image bounds.
func (f *Frame) Size() (int, int) {
	if (f.Width == 0 || f.Height == 0) && f.Image != nil {
		b := f.Image.Bounds()
		return b.Dx(), b.Dy()
	}
	return f.Width, f.Height
}

// RefCounter manages the lifetime of external frame buffers.
type RefCounter interface {
	Inc(f *Frame)
	Dec(f *Frame)
}

// NopCounter is a RefCounter for frames whose buffers are garbage collected.
type NopCounter struct{}

// Inc does nothing.
func (NopCounter) Inc(*Frame) {}

// Dec does nothing.
func (NopCounter) Dec(*Frame) {}

// Counter is a RefCounter that keeps per-frame counts. It is safe for concurrent use.
type Counter struct {
	mu     sync.Mutex
	counts map[Key]int
	// OnZero, if set, is called once a frame's count returns to zero.
	OnZero func(f *Frame)
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[Key]int)}
}

// Inc adds a reference.
func (c *Counter) Inc(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[f.Key()]++
}

// Dec drops a reference. It panics on underflow since that means a buffer was released twice.
func (c *Counter) Dec(f *Frame) {
	c.mu.Lock()
	k := f.Key()
	n := c.counts[k] - 1
	if n < 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("frame %s released more often than acquired", k))
	}
	if n == 0 {
		delete(c.counts, k)
	} else {
		c.counts[k] = n
	}
	onZero := c.OnZero
	c.mu.Unlock()
	if n == 0 && onZero != nil {
		onZero(f)
	}
}

// Count returns the outstanding references for k.
func (c *Counter) Count(k Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[k]
}

// Outstanding returns the total number of outstanding references.
func (c *Counter) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Ref owns exactly one reference on a frame. Release gives it back; later calls are no-ops,
// so a deferred Release is safe alongside an explicit one.
type Ref struct {
	f        *Frame
	rc       RefCounter
	released atomic.Bool
}

// Acquire takes a reference on f.
func Acquire(rc RefCounter, f *Frame) *Ref {
	if rc == nil {
		rc = NopCounter{}
	}
	rc.Inc(f)
	return &Ref{f: f, rc: rc}
}

// Frame returns the pinned frame.
func (r *Ref) Frame() *Frame {
	return r.f
}

// Clone takes an additional, independently released reference on the same frame.
func (r *Ref) Clone() *Ref {
	return Acquire(r.rc, r.f)
}

// Released reports whether Release has run.
func (r *Ref) Released() bool {
	return r.released.Load()
}

// Release drops the reference once.
func (r *Ref) Release() {
	if r == nil {
		return
	}
	if r.released.CompareAndSwap(false, true) {
		r.rc.Dec(r.f)
	}
}
