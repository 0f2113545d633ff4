package headless

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
)

// Viewport is a headless viewport with frame, camera and VOI state.
type Viewport struct {
	engine      *Engine
	id          string
	element     render.Element
	orientation protocol.Orientation

	mu       sync.Mutex
	volume   render.Volume
	frame    int
	frames   int
	pan      render.Point
	zoom     float64
	voi      render.VOI
	renders  int
	subs     map[int]func(render.Change)
	nextSub  int
	syncedIn int
}

func newViewport(engine *Engine, spec render.ViewportSpec) *Viewport {
	return &Viewport{
		engine:      engine,
		id:          spec.ViewportID,
		element:     spec.Element,
		orientation: spec.Orientation,
		zoom:        1,
		voi:         render.VOI{Width: 400, Center: 40},
		subs:        make(map[int]func(render.Change)),
	}
}

// ID implements render.Viewport.
func (v *Viewport) ID() string { return v.id }

// Orientation implements render.Viewport.
func (v *Viewport) Orientation() protocol.Orientation { return v.orientation }

// Element returns the element the viewport draws into.
func (v *Viewport) Element() render.Element { return v.element }

// SetVolume implements render.Viewport.
func (v *Viewport) SetVolume(vol render.Volume) error {
	if vol == nil {
		return fmt.Errorf("viewport %s: volume required", v.id)
	}
	if !v.engine.alive() {
		return ErrEngineDestroyed
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.volume = vol
	v.frames = vol.Dimensions().FramesAlong(v.orientation)
	v.frame = clampFrame(v.frame, v.frames)
	return nil
}

// Volume returns the attached volume, if any.
func (v *Viewport) Volume() render.Volume {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

// Render implements render.Viewport.
func (v *Viewport) Render() error {
	if !v.engine.alive() {
		return ErrEngineDestroyed
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.volume == nil {
		return fmt.Errorf("viewport %s: no volume attached", v.id)
	}
	v.renders++
	return nil
}

// Renders returns how many times the viewport rendered.
func (v *Viewport) Renders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renders
}

// SyncedUpdates returns how many propagated changes the viewport received.
func (v *Viewport) SyncedUpdates() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.syncedIn
}

// FrameIndex implements render.Viewport.
func (v *Viewport) FrameIndex() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame
}

// FrameCount implements render.Viewport.
func (v *Viewport) FrameCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frames
}

// Pan implements render.Viewport.
func (v *Viewport) Pan() render.Point {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pan
}

// Zoom implements render.Viewport.
func (v *Viewport) Zoom() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.zoom
}

// VOI implements render.Viewport.
func (v *Viewport) VOI() render.VOI {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.voi
}

// SetFrameIndex implements render.Viewport.
func (v *Viewport) SetFrameIndex(index int) {
	v.mu.Lock()
	v.frame = clampFrame(index, v.frames)
	change := render.Change{ViewportID: v.id, Kind: render.ChangeScroll, Frame: v.frame}
	v.mu.Unlock()
	v.notify(change)
}

// SetPan implements render.Viewport.
func (v *Viewport) SetPan(p render.Point) {
	v.mu.Lock()
	v.pan = p
	v.mu.Unlock()
	v.notify(render.Change{ViewportID: v.id, Kind: render.ChangePan, Pan: p})
}

// SetZoom implements render.Viewport.
func (v *Viewport) SetZoom(scale float64) {
	if scale <= 0 {
		return
	}
	v.mu.Lock()
	v.zoom = scale
	v.mu.Unlock()
	v.notify(render.Change{ViewportID: v.id, Kind: render.ChangeZoom, Zoom: scale})
}

// SetVOI implements render.Viewport.
func (v *Viewport) SetVOI(voi render.VOI) {
	v.mu.Lock()
	v.voi = voi
	v.mu.Unlock()
	v.notify(render.Change{ViewportID: v.id, Kind: render.ChangeWindowLevel, VOI: voi})
}

// Subscribe implements render.Viewport.
func (v *Viewport) Subscribe(fn func(render.Change)) func() {
	if fn == nil {
		return func() {}
	}
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered change subscribers.
func (v *Viewport) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// ApplySynced implements render.Viewport. Subscribers are not notified.
func (v *Viewport) ApplySynced(change render.Change) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch change.Kind {
	case render.ChangeScroll:
		v.frame = clampFrame(change.Frame, v.frames)
	case render.ChangePan:
		v.pan = change.Pan
	case render.ChangeZoom:
		if change.Zoom > 0 {
			v.zoom = change.Zoom
		}
	case render.ChangeWindowLevel:
		v.voi = change.VOI
	default:
		return
	}
	v.syncedIn++
}

func (v *Viewport) notify(change render.Change) {
	v.mu.Lock()
	keys := make([]int, 0, len(v.subs))
	for k := range v.subs {
		keys = append(keys, k)
	}
	fns := make([]func(render.Change), 0, len(keys))
	sort.Ints(keys)
	for _, k := range keys {
		fns = append(fns, v.subs[k])
	}
	v.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func clampFrame(index, frames int) int {
	if frames <= 0 {
		if index < 0 {
			return 0
		}
		return index
	}
	if index < 0 {
		return 0
	}
	if index >= frames {
		return frames - 1
	}
	return index
}
