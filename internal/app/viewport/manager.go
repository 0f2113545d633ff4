// Package viewport owns the rendering engine of every viewing surface and drives its viewports
// through configuration, loading and teardown.
package viewport

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/app/syncgroup"
	"github.com/coachpo/mprview/internal/app/volume"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
	"github.com/coachpo/mprview/internal/infra/telemetry"
)

const component = "viewport-manager"

// VolumeLoader loads the volume of a series on an engine.
type VolumeLoader interface {
	Load(ctx context.Context, engine render.Engine, series protocol.SeriesRef, onProgress func(volume.Progress)) (*volume.Resource, error)
}

// SyncRegistrar registers sync groups.
type SyncRegistrar interface {
	CreateSyncGroup(groupID string, members []syncgroup.Member, modes []protocol.SyncMode) error
	DestroySyncGroup(groupID string)
}

// ProgressSink receives load milestones of every surface.
type ProgressSink interface {
	PublishProgress(ctx context.Context, event ProgressEvent)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ctx context.Context, event ProgressEvent)

// PublishProgress implements ProgressSink.
func (f ProgressSinkFunc) PublishProgress(ctx context.Context, event ProgressEvent) { f(ctx, event) }

var (
	// ErrSurfaceNotFound indicates that no surface with the given id is configured.
	ErrSurfaceNotFound = errors.New("surface not found")
	// ErrViewportNotFound indicates that the surface has no viewport with the given id.
	ErrViewportNotFound = errors.New("viewport not found")
)

type surface struct {
	id         string
	state      State
	busy       bool
	generation uint64
	cancel     context.CancelFunc
	engine     render.Engine
	protocol   protocol.Definition
	selection  protocol.SeriesSelection
	viewports  map[string]*ViewportState
	volumes    map[string]render.Volume
	groups     []string
}

// Manager owns one rendering engine per surface. Configuration of a surface is guarded by a
// per-surface busy flag; every configuration attempt carries a generation so that work of an
// attempt that was destroyed or superseded never touches the surface again.
type Manager struct {
	engines  render.EngineFactory
	elements render.ElementResolver
	loader   VolumeLoader
	groups   SyncRegistrar
	progress ProgressSink
	logger   *log.Logger

	mu        sync.Mutex
	surfaces  map[string]*surface
	listeners []StateListener

	metrics managerMetrics
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithProgressSink publishes load milestones to sink.
func WithProgressSink(sink ProgressSink) Option {
	return func(m *Manager) { m.progress = sink }
}

// WithStateListener registers a listener for surface transitions.
func WithStateListener(listener StateListener) Option {
	return func(m *Manager) {
		if listener != nil {
			m.listeners = append(m.listeners, listener)
		}
	}
}

// NewManager creates a lifecycle manager.
func NewManager(engines render.EngineFactory, elements render.ElementResolver, loader VolumeLoader, registrar SyncRegistrar, logger *log.Logger, opts ...Option) (*Manager, error) {
	if engines == nil || elements == nil || loader == nil || registrar == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("engine factory, element resolver, loader and sync registrar are required"))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "viewport-manager ", log.LstdFlags|log.Lmicroseconds)
	}
	m := &Manager{
		engines:  engines,
		elements: elements,
		loader:   loader,
		groups:   registrar,
		logger:   logger,
		surfaces: make(map[string]*surface),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.metrics = newManagerMetrics()
	return m, nil
}

// Configure tears down whatever the surface shows and brings it up with the protocol. It returns
// once every viewport that could be enabled has settled. Per-viewport failures are recorded in
// the snapshot; only engine construction failure, a busy surface or cancellation fail the call.
func (m *Manager) Configure(ctx context.Context, surfaceID string, def protocol.Definition, selection protocol.SeriesSelection) (SurfaceSnapshot, error) {
	surfaceID = strings.TrimSpace(surfaceID)
	if surfaceID == "" {
		return SurfaceSnapshot{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("surface id required"))
	}
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return SurfaceSnapshot{}, errs.New(component, errs.CodeConfiguration, errs.WithSurface(surfaceID),
			errs.WithProtocol(def.ID), errs.WithMessage("invalid protocol definition"), errs.WithCause(err))
	}
	start := time.Now()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	s, ok := m.surfaces[surfaceID]
	if !ok {
		s = &surface{id: surfaceID, state: StateUninitialized}
		m.surfaces[surfaceID] = s
	}
	if s.busy {
		m.mu.Unlock()
		m.metrics.configured(ctx, surfaceID, def.ID, telemetry.ResultBusy, start)
		return SurfaceSnapshot{}, errs.New(component, errs.CodeBusy, errs.WithSurface(surfaceID),
			errs.WithProtocol(def.ID), errs.WithMessage("configure already in flight"))
	}
	next := StateInitializing
	if s.state == StateReady {
		next = StateReconfiguring
	}
	transitions := []Transition{m.transitionLocked(s, next)}
	s.busy = true
	s.generation++
	gen := s.generation
	oldEngine, oldCancel := s.engine, s.cancel
	// The previous configuration is gone before any part of the new one exists.
	m.unregisterLocked(s.groups)
	if oldCancel != nil {
		oldCancel()
	}
	s.cancel = cancel
	s.engine = nil
	s.groups = nil
	s.protocol = def.Clone()
	s.selection = selection
	s.viewports = make(map[string]*ViewportState, len(def.Viewports))
	s.volumes = make(map[string]render.Volume)
	for _, vc := range def.Viewports {
		s.viewports[vc.ViewportID] = &ViewportState{
			SurfaceID:   surfaceID,
			ViewportID:  vc.ViewportID,
			Orientation: string(vc.Orientation),
			LoadState:   volume.StatePending,
		}
	}
	m.mu.Unlock()
	m.notify(transitions)
	if oldEngine != nil {
		oldEngine.Destroy()
	}

	engine, err := m.engines.CreateEngine(attemptCtx, surfaceID+"/"+uuid.NewString())
	if err != nil {
		return SurfaceSnapshot{}, m.failEngine(attemptCtx, s, gen, def.ID, start, err)
	}
	if !m.adoptEngine(s, gen, engine) {
		engine.Destroy()
		return SurfaceSnapshot{}, m.cancelled(ctx, surfaceID, def.ID, start, attemptCtx.Err())
	}

	loads := m.enableViewports(s, gen, engine, def, selection)
	resources := m.runLoads(attemptCtx, s, gen, engine, loads)
	m.attach(attemptCtx, s, gen, engine, def, loads, resources)

	m.mu.Lock()
	if s.generation != gen {
		m.mu.Unlock()
		engine.Destroy()
		return SurfaceSnapshot{}, m.cancelled(ctx, surfaceID, def.ID, start, attemptCtx.Err())
	}
	if err := attemptCtx.Err(); err != nil {
		m.mu.Unlock()
		m.Destroy(surfaceID)
		return SurfaceSnapshot{}, m.cancelled(ctx, surfaceID, def.ID, start, err)
	}
	s.groups = m.registerGroupsLocked(s, engine)
	s.busy = false
	transitions = []Transition{m.transitionLocked(s, StateReady)}
	snap := s.snapshot()
	m.mu.Unlock()
	m.notify(transitions)

	m.metrics.configured(ctx, surfaceID, def.ID, telemetry.ResultSuccess, start)
	return snap, nil
}

// Destroy tears down the surface: in-flight work is cancelled, sync groups are unregistered and
// the engine is destroyed. Destroying an unknown or already destroyed surface is a no-op.
func (m *Manager) Destroy(surfaceID string) {
	surfaceID = strings.TrimSpace(surfaceID)
	m.mu.Lock()
	s, ok := m.surfaces[surfaceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.surfaces, surfaceID)
	s.generation++
	if s.cancel != nil {
		s.cancel()
	}
	engine := s.engine
	m.unregisterLocked(s.groups)
	s.engine = nil
	s.groups = nil
	s.busy = false
	for _, vp := range s.viewports {
		if vp.LoadState == volume.StatePending || vp.LoadState == volume.StateLoading {
			vp.LoadState = volume.StateFailed
			vp.Err = errs.Cancelled(component, context.Canceled)
			vp.Error = vp.Err.Error()
		}
	}
	transitions := []Transition{m.transitionLocked(s, StateTornDown)}
	m.mu.Unlock()

	if engine != nil {
		engine.Destroy()
	}
	m.notify(transitions)
	m.metrics.destroyed(context.Background(), surfaceID)
}

// Shutdown destroys every surface.
func (m *Manager) Shutdown() {
	for _, id := range m.SurfaceIDs() {
		m.Destroy(id)
	}
}

// Surface returns a snapshot of the surface. Unknown surfaces read as uninitialized.
func (m *Manager) Surface(surfaceID string) SurfaceSnapshot {
	surfaceID = strings.TrimSpace(surfaceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surfaces[surfaceID]
	if !ok {
		return SurfaceSnapshot{SurfaceID: surfaceID, State: StateUninitialized, Viewports: []ViewportState{}, SyncGroups: []string{}}
	}
	return s.snapshot()
}

// SurfaceIDs lists configured surfaces, sorted.
func (m *Manager) SurfaceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.surfaces))
	for id := range m.surfaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Viewport returns the engine viewport of a ready surface.
func (m *Manager) Viewport(surfaceID, viewportID string) (render.Viewport, bool) {
	m.mu.Lock()
	s, ok := m.surfaces[strings.TrimSpace(surfaceID)]
	var engine render.Engine
	if ok {
		engine = s.engine
	}
	m.mu.Unlock()
	if engine == nil {
		return nil, false
	}
	return engine.GetViewport(viewportID)
}

// RetryViewport re-enables and reloads one failed viewport of a ready surface.
func (m *Manager) RetryViewport(ctx context.Context, surfaceID, viewportID string) (ViewportState, error) {
	surfaceID = strings.TrimSpace(surfaceID)
	viewportID = strings.TrimSpace(viewportID)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	s, ok := m.surfaces[surfaceID]
	if !ok {
		m.mu.Unlock()
		return ViewportState{}, errs.New(component, errs.CodeNotFound, errs.WithSurface(surfaceID), errs.WithCause(ErrSurfaceNotFound))
	}
	if s.busy || s.state != StateReady {
		m.mu.Unlock()
		return ViewportState{}, errs.New(component, errs.CodeBusy, errs.WithSurface(surfaceID),
			errs.WithProtocol(s.protocol.ID), errs.WithMessage("surface not ready"))
	}
	current, ok := s.viewports[viewportID]
	vc, inProtocol := s.protocol.Viewport(viewportID)
	if !ok || !inProtocol {
		m.mu.Unlock()
		return ViewportState{}, errs.New(component, errs.CodeNotFound, errs.WithSurface(surfaceID),
			errs.WithViewport(viewportID), errs.WithCause(ErrViewportNotFound))
	}
	if current.LoadState == volume.StateReady {
		state := *current
		m.mu.Unlock()
		return state, nil
	}
	s.busy = true
	s.cancel = cancel
	gen := s.generation
	engine := s.engine
	def := s.protocol.Clone()
	selection := s.selection
	s.viewports[viewportID] = &ViewportState{
		SurfaceID:   surfaceID,
		ViewportID:  viewportID,
		Orientation: string(vc.Orientation),
		LoadState:   volume.StatePending,
	}
	m.mu.Unlock()

	single := def
	single.Viewports = []protocol.ViewportConfig{vc}
	loads := m.enableViewports(s, gen, engine, single, selection)
	resources := m.runLoads(attemptCtx, s, gen, engine, loads)
	m.attach(attemptCtx, s, gen, engine, single, loads, resources)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.generation != gen {
		return ViewportState{}, errs.Cancelled(component, context.Canceled)
	}
	vp := s.viewports[viewportID]
	if vp.LoadState == volume.StatePending || vp.LoadState == volume.StateLoading {
		vp.LoadState = volume.StateFailed
		vp.Err = errs.Cancelled(component, attemptCtx.Err())
		vp.Error = vp.Err.Error()
	}
	s.groups = m.registerGroupsLocked(s, engine)
	s.busy = false
	return *vp, nil
}

// seriesLoad is one volume load shared by every viewport showing the series.
type seriesLoad struct {
	series    protocol.SeriesRef
	viewports []string
}

func (m *Manager) enableViewports(s *surface, gen uint64, engine render.Engine, def protocol.Definition, selection protocol.SeriesSelection) []*seriesLoad {
	var loads []*seriesLoad
	bySeries := make(map[string]*seriesLoad)
	for _, vc := range def.Viewports {
		element, ok := m.elements.ResolveElement(s.id, vc.ViewportID)
		if !ok {
			m.failViewport(s, gen, vc.ViewportID, "", errs.New(component, errs.CodeMissingElement,
				errs.WithSurface(s.id), errs.WithProtocol(def.ID), errs.WithViewport(vc.ViewportID),
				errs.WithMessage("surface element not found")))
			continue
		}
		spec := render.ViewportSpec{ViewportID: vc.ViewportID, Element: element, Orientation: vc.Orientation}
		if err := engine.EnableViewport(spec); err != nil {
			m.failViewport(s, gen, vc.ViewportID, "", errs.New(component, errs.CodeEngineConstruction,
				errs.WithSurface(s.id), errs.WithProtocol(def.ID), errs.WithViewport(vc.ViewportID),
				errs.WithMessage("enable viewport"), errs.WithCause(err)))
			continue
		}
		series, ok := selection.ResolveSeries(vc)
		if !ok {
			m.failViewport(s, gen, vc.ViewportID, "", errs.New(component, errs.CodeEmptySeries,
				errs.WithSurface(s.id), errs.WithProtocol(def.ID), errs.WithViewport(vc.ViewportID),
				errs.WithMessage("no series matches the viewport")))
			continue
		}
		m.mu.Lock()
		if s.generation == gen {
			if vp, ok := s.viewports[vc.ViewportID]; ok {
				vp.ElementID = element.ID
				vp.SeriesID = series.SeriesID
				vp.VolumeID = volume.VolumeIDFor(series.SeriesID)
			}
		}
		m.mu.Unlock()
		load, ok := bySeries[series.SeriesID]
		if !ok {
			load = &seriesLoad{series: series}
			bySeries[series.SeriesID] = load
			loads = append(loads, load)
		}
		load.viewports = append(load.viewports, vc.ViewportID)
	}
	return loads
}

func (m *Manager) runLoads(ctx context.Context, s *surface, gen uint64, engine render.Engine, loads []*seriesLoad) map[string]*volume.Resource {
	var mu sync.Mutex
	resources := make(map[string]*volume.Resource, len(loads))
	var wg conc.WaitGroup
	for _, load := range loads {
		if vol, ok := m.sharedVolume(s, gen, load.series.SeriesID); ok {
			resources[load.series.SeriesID] = &volume.Resource{
				VolumeID: vol.ID(),
				SeriesID: load.series.SeriesID,
				State:    volume.StateReady,
				Volume:   vol,
			}
			continue
		}
		m.setLoading(s, gen, load.viewports)
		wg.Go(func() {
			onProgress := func(p volume.Progress) {
				m.onProgress(ctx, s, gen, load.viewports, p)
			}
			res, err := m.loader.Load(ctx, engine, load.series, onProgress)
			if err != nil {
				res = &volume.Resource{
					VolumeID: volume.VolumeIDFor(load.series.SeriesID),
					SeriesID: load.series.SeriesID,
					State:    volume.StateFailed,
					Err:      err,
				}
			}
			mu.Lock()
			resources[load.series.SeriesID] = res
			mu.Unlock()
		})
	}
	wg.Wait()
	return resources
}

func (m *Manager) attach(ctx context.Context, s *surface, gen uint64, engine render.Engine, def protocol.Definition, loads []*seriesLoad, resources map[string]*volume.Resource) {
	for _, load := range loads {
		res := resources[load.series.SeriesID]
		for _, viewportID := range load.viewports {
			if ctx.Err() != nil || !m.current(s, gen) {
				return
			}
			if res == nil || !res.Ready() {
				var cause error = errs.New(component, errs.CodeVolumeFailed, errs.WithMessage("volume not loaded"))
				if res != nil && res.Err != nil {
					cause = res.Err
				}
				m.failViewport(s, gen, viewportID, load.series.SeriesID, cause)
				continue
			}
			if err := m.show(engine, def, viewportID, res.Volume); err != nil {
				m.failViewport(s, gen, viewportID, load.series.SeriesID, errs.New(component, errs.CodeVolumeFailed,
					errs.WithSurface(s.id), errs.WithProtocol(def.ID), errs.WithSeries(load.series.SeriesID),
					errs.WithViewport(viewportID), errs.WithMessage("attach volume"), errs.WithCause(err)))
				continue
			}
			m.mu.Lock()
			if s.generation == gen {
				s.volumes[load.series.SeriesID] = res.Volume
				if vp, ok := s.viewports[viewportID]; ok {
					vp.VolumeID = res.VolumeID
					vp.LoadState = volume.StateReady
					vp.PercentComplete = 100
					vp.Err = nil
					vp.Error = ""
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) show(engine render.Engine, def protocol.Definition, viewportID string, vol render.Volume) error {
	vp, ok := engine.GetViewport(viewportID)
	if !ok {
		return ErrViewportNotFound
	}
	if err := vp.SetVolume(vol); err != nil {
		return err
	}
	if vc, ok := def.Viewport(viewportID); ok && vc.InitialImageIndex != nil {
		vp.ApplySynced(render.Change{ViewportID: viewportID, Kind: render.ChangeScroll, Frame: *vc.InitialImageIndex})
	}
	return vp.Render()
}

// registerGroupsLocked registers the protocol's sync groups over the ready viewports of the
// surface and returns their coordinator keys. Groups without a ready member are dropped.
func (m *Manager) registerGroupsLocked(s *surface, engine render.Engine) []string {
	keys := make([]string, 0, len(s.protocol.SyncGroups))
	for _, spec := range s.protocol.SyncGroups {
		members := make([]syncgroup.Member, 0, len(spec.ViewportIDs))
		for _, id := range spec.ViewportIDs {
			if vp, ok := s.viewports[id]; !ok || vp.LoadState != volume.StateReady {
				continue
			}
			if vp, ok := engine.GetViewport(id); ok {
				members = append(members, syncgroup.Member{ViewportID: id, Viewport: vp})
			}
		}
		key := SyncGroupKey(s.id, spec.GroupID)
		if len(members) == 0 {
			m.groups.DestroySyncGroup(key)
			continue
		}
		if err := m.groups.CreateSyncGroup(key, members, spec.SyncModes); err != nil {
			m.logger.Printf("surface=%s protocol=%s group=%s register failed: %v", s.id, s.protocol.ID, spec.GroupID, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (m *Manager) unregisterLocked(keys []string) {
	for _, key := range keys {
		m.groups.DestroySyncGroup(key)
	}
}

func (m *Manager) sharedVolume(s *surface, gen uint64, seriesID string) (render.Volume, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.generation != gen {
		return nil, false
	}
	vol, ok := s.volumes[seriesID]
	return vol, ok
}

func (m *Manager) setLoading(s *surface, gen uint64, viewportIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.generation != gen {
		return
	}
	for _, id := range viewportIDs {
		if vp, ok := s.viewports[id]; ok && vp.LoadState == volume.StatePending {
			vp.LoadState = volume.StateLoading
		}
	}
}

func (m *Manager) onProgress(ctx context.Context, s *surface, gen uint64, viewportIDs []string, p volume.Progress) {
	m.mu.Lock()
	if s.generation != gen {
		m.mu.Unlock()
		return
	}
	for _, id := range viewportIDs {
		if vp, ok := s.viewports[id]; ok && vp.LoadState == volume.StateLoading {
			vp.PercentComplete = p.PercentComplete
		}
	}
	m.mu.Unlock()
	if m.progress == nil {
		return
	}
	m.progress.PublishProgress(ctx, ProgressEvent{
		SurfaceID:       s.id,
		PercentComplete: p.PercentComplete,
		Stage:           p.Stage,
		SeriesID:        p.SeriesID,
		VolumeID:        p.VolumeID,
		ViewportIDs:     append([]string(nil), viewportIDs...),
	})
}

func (m *Manager) failViewport(s *surface, gen uint64, viewportID, seriesID string, err error) {
	m.mu.Lock()
	current := s.generation == gen
	protocolID := s.protocol.ID
	if current {
		if vp, ok := s.viewports[viewportID]; ok {
			vp.LoadState = volume.StateFailed
			vp.Err = err
			vp.Error = err.Error()
			if seriesID != "" {
				vp.SeriesID = seriesID
			}
		}
	}
	m.mu.Unlock()
	if !current || errs.Is(err, errs.CodeCancelled) {
		return
	}
	m.logger.Printf("surface=%s protocol=%s series=%s viewport=%s viewport failed: %v", s.id, protocolID, seriesID, viewportID, err)
	m.metrics.viewportFailed(context.Background(), s.id, protocolID, errs.CodeOf(err))
}

func (m *Manager) adoptEngine(s *surface, gen uint64, engine render.Engine) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.engine = engine
	return true
}

func (m *Manager) current(s *surface, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.generation == gen
}

func (m *Manager) failEngine(ctx context.Context, s *surface, gen uint64, protocolID string, start time.Time, cause error) error {
	m.mu.Lock()
	stale := s.generation != gen
	var transitions []Transition
	if !stale {
		delete(m.surfaces, s.id)
		s.busy = false
		s.cancel = nil
		transitions = append(transitions, m.transitionLocked(s, StateUninitialized))
	}
	m.mu.Unlock()
	m.notify(transitions)

	if stale || ctx.Err() != nil {
		return m.cancelled(ctx, s.id, protocolID, start, ctx.Err())
	}
	err := errs.New(component, errs.CodeEngineConstruction, errs.WithSurface(s.id), errs.WithProtocol(protocolID),
		errs.WithMessage("create rendering engine"), errs.WithCause(cause))
	m.logger.Printf("surface=%s protocol=%s series=%s engine construction failed: %v", s.id, protocolID, strings.Join(s.seriesIDs(), ","), cause)
	m.metrics.configured(ctx, s.id, protocolID, telemetry.ResultFailed, start)
	return err
}

func (m *Manager) cancelled(ctx context.Context, surfaceID, protocolID string, start time.Time, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	m.metrics.configured(context.WithoutCancel(ctx), surfaceID, protocolID, telemetry.ResultCancelled, start)
	err := errs.Cancelled(component, cause)
	err.Surface = surfaceID
	err.Protocol = protocolID
	return err
}

func (m *Manager) transitionLocked(s *surface, to State) Transition {
	t := Transition{SurfaceID: s.id, From: s.state, To: to}
	s.state = to
	return t
}

func (m *Manager) notify(transitions []Transition) {
	for _, t := range transitions {
		m.metrics.transition(context.Background(), t)
		for _, listener := range m.listeners {
			listener(t)
		}
	}
}

func (s *surface) snapshot() SurfaceSnapshot {
	snap := SurfaceSnapshot{
		SurfaceID:  s.id,
		State:      s.state,
		ProtocolID: s.protocol.ID,
		Generation: s.generation,
		Viewports:  make([]ViewportState, 0, len(s.viewports)),
		SyncGroups: append([]string{}, s.groups...),
	}
	if s.engine != nil {
		snap.EngineID = s.engine.ID()
	}
	for _, vc := range s.protocol.Viewports {
		if vp, ok := s.viewports[vc.ViewportID]; ok {
			snap.Viewports = append(snap.Viewports, *vp)
		}
	}
	return snap
}

func (s *surface) seriesIDs() []string {
	ids := make([]string, 0, len(s.selection.Series))
	for _, ref := range s.selection.Series {
		ids = append(ids, ref.SeriesID)
	}
	return ids
}
