// Package headless implements the rendering capability without a GPU. Engines, volumes and
// viewports keep their state in memory, which is enough for the control daemon and for tests.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/mprview/internal/domain/render"
)

// ErrEngineDestroyed is returned by operations on an engine after Destroy.
var ErrEngineDestroyed = errors.New("engine destroyed")

// DefaultDimensions is the in-plane size of volumes built by the headless engine. The slice
// count always equals the number of references.
var DefaultDimensions = render.Dimensions{Columns: 512, Rows: 512}

// Option configures a Factory.
type Option func(*Factory)

// WithCreateError makes every engine construction fail with err.
func WithCreateError(err error) Option {
	return func(f *Factory) { f.createErr = err }
}

// WithBuildError makes every volume build fail with err.
func WithBuildError(err error) Option {
	return func(f *Factory) { f.buildErr = err }
}

// WithLoadError makes every voxel load fail with err.
func WithLoadError(err error) Option {
	return func(f *Factory) { f.loadErr = err }
}

// WithLoadGate blocks every Volume.Load until gate is closed or the load context ends.
func WithLoadGate(gate <-chan struct{}) Option {
	return func(f *Factory) { f.loadGate = gate }
}

// WithDimensions overrides the in-plane volume size.
func WithDimensions(columns, rows int) Option {
	return func(f *Factory) {
		f.dims = render.Dimensions{Columns: columns, Rows: rows}
	}
}

// Factory creates headless engines and tracks the ones still alive.
type Factory struct {
	mu        sync.Mutex
	live      map[string]*Engine
	created   int
	createErr error
	buildErr  error
	loadErr   error
	loadGate  <-chan struct{}
	dims      render.Dimensions
}

// NewFactory creates a factory.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		live: make(map[string]*Engine),
		dims: DefaultDimensions,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// CreateEngine implements render.EngineFactory.
func (f *Factory) CreateEngine(ctx context.Context, id string) (render.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("engine id required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, exists := f.live[id]; exists {
		return nil, fmt.Errorf("engine %s already exists", id)
	}
	engine := &Engine{
		id:        id,
		factory:   f,
		viewports: make(map[string]*Viewport),
		volumes:   make(map[string]*Volume),
	}
	f.live[id] = engine
	f.created++
	return engine, nil
}

// SetCreateError changes the engine construction failure at runtime. nil clears it.
func (f *Factory) SetCreateError(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

// SetBuildError changes the volume build failure at runtime. nil clears it.
func (f *Factory) SetBuildError(err error) {
	f.mu.Lock()
	f.buildErr = err
	f.mu.Unlock()
}

// LiveEngines returns the number of engines not yet destroyed.
func (f *Factory) LiveEngines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// LiveEngineIDs returns the ids of live engines whose id starts with prefix, sorted.
func (f *Factory) LiveEngineIDs(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.live))
	for id := range f.live {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Engine returns a live engine by id.
func (f *Factory) Engine(id string) (*Engine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	engine, ok := f.live[id]
	return engine, ok
}

// Created returns the number of engines ever created.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *Factory) release(id string) {
	f.mu.Lock()
	delete(f.live, id)
	f.mu.Unlock()
}

type volumeBehaviour struct {
	buildErr error
	loadErr  error
	gate     <-chan struct{}
	dims     render.Dimensions
}

func (f *Factory) behaviour() volumeBehaviour {
	f.mu.Lock()
	defer f.mu.Unlock()
	return volumeBehaviour{buildErr: f.buildErr, loadErr: f.loadErr, gate: f.loadGate, dims: f.dims}
}

// Engine is a headless rendering engine for one surface.
type Engine struct {
	id      string
	factory *Factory

	mu        sync.Mutex
	viewports map[string]*Viewport
	volumes   map[string]*Volume
	destroyed bool
}

// ID implements render.Engine.
func (e *Engine) ID() string { return e.id }

// EnableViewport implements render.Engine. Enabling an existing id replaces the viewport.
func (e *Engine) EnableViewport(spec render.ViewportSpec) error {
	if strings.TrimSpace(spec.ViewportID) == "" {
		return fmt.Errorf("viewport id required")
	}
	if strings.TrimSpace(spec.Element.ID) == "" {
		return fmt.Errorf("viewport %s: element required", spec.ViewportID)
	}
	if !spec.Orientation.Valid() {
		return fmt.Errorf("viewport %s: unsupported orientation %q", spec.ViewportID, spec.Orientation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrEngineDestroyed
	}
	e.viewports[spec.ViewportID] = newViewport(e, spec)
	return nil
}

// GetViewport implements render.Engine.
func (e *Engine) GetViewport(id string) (render.Viewport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vp, ok := e.viewports[id]
	if !ok {
		return nil, false
	}
	return vp, true
}

// BuildVolume implements render.Engine.
func (e *Engine) BuildVolume(ctx context.Context, volumeID string, refs []render.ImageReference) (render.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("volume %s: no image references", volumeID)
	}
	b := e.factory.behaviour()
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	dims := b.dims
	dims.Slices = len(refs)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, ErrEngineDestroyed
	}
	vol := &Volume{
		id:      volumeID,
		dims:    dims,
		refs:    append([]render.ImageReference(nil), refs...),
		loadErr: b.loadErr,
		gate:    b.gate,
	}
	e.volumes[volumeID] = vol
	return vol, nil
}

// Destroy implements render.Engine.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.viewports = make(map[string]*Viewport)
	e.volumes = make(map[string]*Volume)
	e.mu.Unlock()
	e.factory.release(e.id)
}

// Destroyed reports whether Destroy has been called.
func (e *Engine) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// ViewportIDs returns the enabled viewport ids, sorted.
func (e *Engine) ViewportIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.viewports))
	for id := range e.viewports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.destroyed
}

// Volume is a headless voxel dataset.
type Volume struct {
	id      string
	dims    render.Dimensions
	refs    []render.ImageReference
	loadErr error
	gate    <-chan struct{}

	mu     sync.Mutex
	loaded bool
}

// ID implements render.Volume.
func (v *Volume) ID() string { return v.id }

// Dimensions implements render.Volume.
func (v *Volume) Dimensions() render.Dimensions { return v.dims }

// References returns the ordered references the volume was built from.
func (v *Volume) References() []render.ImageReference {
	return append([]render.ImageReference(nil), v.refs...)
}

// Load implements render.Volume.
func (v *Volume) Load(ctx context.Context) error {
	if v.gate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.gate:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.loadErr != nil {
		return v.loadErr
	}
	v.mu.Lock()
	v.loaded = true
	v.mu.Unlock()
	return nil
}

// Loaded reports whether voxel data finished loading.
func (v *Volume) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded
}
