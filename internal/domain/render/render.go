// Package render declares the rendering-engine capability the viewport lifecycle is built on.
// Any renderer satisfying these interfaces is substitutable.
package render

import (
	"context"

	"github.com/coachpo/mprview/internal/domain/protocol"
)

// EngineFactory constructs one rendering engine per viewing surface.
type EngineFactory interface {
	CreateEngine(ctx context.Context, id string) (Engine, error)
}

// Engine owns the viewports and volumes of a single surface.
type Engine interface {
	ID() string
	EnableViewport(spec ViewportSpec) error
	GetViewport(id string) (Viewport, bool)
	// BuildVolume constructs a volume from an ordered reference stack. Voxel data is not
	// decoded until Volume.Load is called.
	BuildVolume(ctx context.Context, volumeID string, refs []ImageReference) (Volume, error)
	// Destroy releases every GPU-side resource owned by the engine. Safe to call twice.
	Destroy()
}

// ViewportSpec describes a viewport to enable on an engine.
type ViewportSpec struct {
	ViewportID  string
	Element     Element
	Orientation protocol.Orientation
}

// Element is the surface element a viewport draws into.
type Element struct {
	ID     string
	Width  int
	Height int
}

// ElementResolver locates the element bound to a viewport of a surface.
type ElementResolver interface {
	ResolveElement(surfaceID, viewportID string) (Element, bool)
}

// Dimensions is the voxel grid size of a volume.
type Dimensions struct {
	Columns int
	Rows    int
	Slices  int
}

// FramesAlong returns the number of slices a viewport of the given orientation can scroll through.
func (d Dimensions) FramesAlong(o protocol.Orientation) int {
	switch o {
	case protocol.OrientationSagittal:
		return d.Columns
	case protocol.OrientationCoronal:
		return d.Rows
	default:
		return d.Slices
	}
}

// Volume is a voxel dataset built from an ordered image stack.
type Volume interface {
	ID() string
	Dimensions() Dimensions
	// Load decodes voxel data. It blocks until decoding completes or ctx is done.
	Load(ctx context.Context) error
}

// Point is a 2-D camera translation.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// VOI is a grayscale window.
type VOI struct {
	Width  float64 `json:"width"`
	Center float64 `json:"center"`
}

// ChangeKind classifies a viewport change notification.
type ChangeKind string

const (
	// ChangeScroll reports a new frame index.
	ChangeScroll ChangeKind = "scroll"
	// ChangePan reports a new camera translation.
	ChangePan ChangeKind = "pan"
	// ChangeZoom reports a new camera scale.
	ChangeZoom ChangeKind = "zoom"
	// ChangeWindowLevel reports a new VOI.
	ChangeWindowLevel ChangeKind = "windowLevel"
)

// Change is a single viewport property change.
type Change struct {
	ViewportID string
	Kind       ChangeKind
	Frame      int
	Pan        Point
	Zoom       float64
	VOI        VOI
}

// Viewport is an enabled drawing surface of an engine.
type Viewport interface {
	ID() string
	Orientation() protocol.Orientation
	SetVolume(vol Volume) error
	Render() error

	FrameIndex() int
	FrameCount() int
	Pan() Point
	Zoom() float64
	VOI() VOI

	// SetFrameIndex, SetPan, SetZoom and SetVOI are user-originated changes and notify subscribers.
	SetFrameIndex(index int)
	SetPan(p Point)
	SetZoom(scale float64)
	SetVOI(voi VOI)

	// Subscribe registers fn for user-originated changes and returns the function that removes it.
	Subscribe(fn func(Change)) (unsubscribe func())
	// ApplySynced applies a propagated change without notifying subscribers.
	ApplySynced(change Change)
}
