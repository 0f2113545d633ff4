package viewport

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/coachpo/mprview/errs"
	appprotocol "github.com/coachpo/mprview/internal/app/protocol"
	"github.com/coachpo/mprview/internal/app/syncgroup"
	"github.com/coachpo/mprview/internal/app/volume"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/infra/references/memory"
	"github.com/coachpo/mprview/internal/infra/render/headless"
)

type harness struct {
	factory  *headless.Factory
	elements *headless.ElementResolver
	provider *memory.Provider
	coord    *syncgroup.Coordinator
	manager  *Manager
	events   chan ProgressEvent

	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T, opts ...headless.Option) *harness {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	h := &harness{
		factory:  headless.NewFactory(opts...),
		elements: headless.NewElementResolver(512, 512),
		provider: memory.NewProvider(),
		events:   make(chan ProgressEvent, 256),
	}
	h.coord = syncgroup.NewCoordinator(quiet, syncgroup.WithMetrics(syncgroup.NewMetrics(prometheus.NewRegistry())))
	loader, err := volume.NewLoader(h.provider, nil, volume.Config{}, quiet)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	sink := ProgressSinkFunc(func(_ context.Context, event ProgressEvent) {
		select {
		case h.events <- event:
		default:
		}
	})
	listener := func(tr Transition) {
		h.mu.Lock()
		h.transitions = append(h.transitions, tr)
		h.mu.Unlock()
	}
	h.manager, err = NewManager(h.factory, h.elements, loader, h.coord, quiet, WithProgressSink(sink), WithStateListener(listener))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return h
}

func (h *harness) states(surfaceID string) []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, tr := range h.transitions {
		if tr.SurfaceID == surfaceID {
			out = append(out, tr.To)
		}
	}
	return out
}

func (h *harness) waitForStage(t *testing.T, stage volume.Stage) ProgressEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Stage == stage {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s progress event", stage)
		}
	}
}

func builtin(t *testing.T, id string) protocol.Definition {
	t.Helper()
	for _, def := range appprotocol.Builtins() {
		if def.ID == id {
			return def
		}
	}
	t.Fatalf("builtin %s not found", id)
	return protocol.Definition{}
}

func chestSelection() protocol.SeriesSelection {
	return protocol.SeriesSelection{Series: []protocol.SeriesRef{{SeriesID: "ct-1", Modality: "CT"}}}
}

func TestConfigureSharesVolumeAcrossMPRViewports(t *testing.T) {
	h := newHarness(t)
	h.provider.PutStack("ct-1", 40)

	snap, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if snap.State != StateReady || snap.ReadyCount() != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.provider.Calls() != 1 {
		t.Fatalf("expected one shared load, provider called %d times", h.provider.Calls())
	}
	for _, vp := range snap.Viewports {
		if vp.VolumeID != volume.VolumeIDFor("ct-1") || vp.PercentComplete != 100 {
			t.Fatalf("unexpected viewport state %+v", vp)
		}
	}
	if len(snap.SyncGroups) != 1 || snap.SyncGroups[0] != SyncGroupKey("left", "ct-voi") {
		t.Fatalf("unexpected groups %v", snap.SyncGroups)
	}
	if _, ok := h.coord.Group("left/ct-voi"); !ok {
		t.Fatal("group not registered with coordinator")
	}
	if h.factory.LiveEngines() != 1 {
		t.Fatalf("expected one engine, got %d", h.factory.LiveEngines())
	}
	ready := h.waitForStage(t, volume.StageReady)
	if ready.SurfaceID != "left" || ready.PercentComplete != 100 || len(ready.ViewportIDs) != 3 {
		t.Fatalf("unexpected ready event %+v", ready)
	}
	want := []State{StateInitializing, StateReady}
	got := h.states("left")
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("transitions = %v", got)
	}
}

func TestConfigureBusyLeavesSingleEngine(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, headless.WithLoadGate(gate))
	h.provider.PutStack("ct-1", 10)

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
		done <- err
	}()
	h.waitForStage(t, volume.StageVolumeConstructed)

	_, err := h.manager.Configure(context.Background(), "left", builtin(t, "default"), chestSelection())
	if !errs.Is(err, errs.CodeBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if state := h.manager.Surface("left").State; state != StateInitializing {
		t.Fatalf("busy rejection changed state to %s", state)
	}

	// other surfaces are not blocked by the guard
	if _, err := h.manager.Configure(context.Background(), "right", builtin(t, "default"), protocol.SeriesSelection{}); err != nil {
		t.Fatalf("Configure right: %v", err)
	}

	close(gate)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first Configure: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Configure did not settle")
	}
	if ids := h.factory.LiveEngineIDs("left/"); len(ids) != 1 {
		t.Fatalf("expected exactly one engine for left, got %v", ids)
	}
}

func TestDestroyMidLoadCancels(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, headless.WithLoadGate(gate))
	h.provider.PutStack("ct-1", 10)

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
		done <- err
	}()
	h.waitForStage(t, volume.StageVolumeConstructed)
	for _, vp := range h.manager.Surface("left").Viewports {
		if vp.LoadState != volume.StateLoading {
			t.Fatalf("expected loading before destroy, got %+v", vp)
		}
	}

	h.manager.Destroy("left")

	select {
	case err := <-done:
		if !errs.Is(err, errs.CodeCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Configure did not return after destroy")
	}
	snap := h.manager.Surface("left")
	if snap.State != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", snap.State)
	}
	for _, vp := range snap.Viewports {
		if vp.LoadState == volume.StateLoading {
			t.Fatalf("viewport %s still loading", vp.ViewportID)
		}
	}
	if h.factory.LiveEngines() != 0 {
		t.Fatalf("engines leaked: %d", h.factory.LiveEngines())
	}
	if len(h.coord.Groups()) != 0 {
		t.Fatalf("groups leaked: %v", h.coord.Groups())
	}
	select {
	case ev := <-h.events:
		if ev.Stage == volume.StageVoxelsLoaded || ev.Stage.Terminal() {
			t.Fatalf("progress forwarded after destroy: %+v", ev)
		}
	default:
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.manager.Destroy("never-configured")
	if h.manager.Surface("never-configured").State != StateUninitialized {
		t.Fatal("expected uninitialized")
	}

	h.provider.PutStack("ct-1", 5)
	if _, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for i := 0; i < 2; i++ {
		h.manager.Destroy("left")
		if state := h.manager.Surface("left").State; state != StateUninitialized {
			t.Fatalf("destroy %d left state %s", i, state)
		}
	}
	if h.factory.LiveEngines() != 0 || len(h.coord.Groups()) != 0 {
		t.Fatalf("engines=%d groups=%v", h.factory.LiveEngines(), h.coord.Groups())
	}
	got := h.states("left")
	if got[len(got)-1] != StateTornDown {
		t.Fatalf("expected torn down transition, got %v", got)
	}
}

func TestMissingElementDegradesOneViewport(t *testing.T) {
	h := newHarness(t)
	h.elements.MarkMissing("left/ct-sagittal")
	h.provider.PutStack("ct-1", 5)

	snap, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if snap.State != StateReady || snap.ReadyCount() != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	sag, _ := snap.Viewport("ct-sagittal")
	if sag.LoadState != volume.StateFailed || !errs.Is(sag.Err, errs.CodeMissingElement) {
		t.Fatalf("unexpected sagittal state %+v", sag)
	}
	info, ok := h.coord.Group("left/ct-voi")
	if !ok || len(info.ViewportIDs) != 2 {
		t.Fatalf("expected group over the two working viewports, got %+v", info)
	}
}

func TestEngineConstructionFailureRevertsSurface(t *testing.T) {
	h := newHarness(t, headless.WithCreateError(errors.New("webgl context lost")))
	h.provider.PutStack("ct-1", 5)

	_, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if !errs.Is(err, errs.CodeEngineConstruction) {
		t.Fatalf("expected engine construction error, got %v", err)
	}
	if state := h.manager.Surface("left").State; state != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", state)
	}

	h.factory.SetCreateError(nil)
	snap, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if err != nil || snap.State != StateReady {
		t.Fatalf("retry configure: %+v %v", snap, err)
	}
}

func TestEmptySeriesFailsViewportsNotSurface(t *testing.T) {
	h := newHarness(t)
	snap, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if snap.State != StateReady || snap.ReadyCount() != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	for _, vp := range snap.Viewports {
		if vp.LoadState != volume.StateFailed || !errs.Is(vp.Err, errs.CodeEmptySeries) {
			t.Fatalf("unexpected viewport %+v", vp)
		}
	}
	if len(snap.SyncGroups) != 0 {
		t.Fatalf("groups registered without members: %v", snap.SyncGroups)
	}
}

func TestReconfigureReplacesEngine(t *testing.T) {
	h := newHarness(t)
	h.provider.PutStack("ct-1", 5)
	first, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	second, err := h.manager.Configure(context.Background(), "left", builtin(t, "default"), chestSelection())
	if err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if first.EngineID == second.EngineID {
		t.Fatal("engine reused across reconfiguration")
	}
	if _, ok := h.factory.Engine(first.EngineID); ok {
		t.Fatal("previous engine still alive")
	}
	if h.factory.LiveEngines() != 1 {
		t.Fatalf("expected one engine, got %d", h.factory.LiveEngines())
	}
	if len(second.Viewports) != 1 || len(h.coord.Groups()) != 0 {
		t.Fatalf("stale configuration visible: %+v groups=%v", second, h.coord.Groups())
	}
	want := []State{StateInitializing, StateReady, StateReconfiguring, StateReady}
	got := h.states("left")
	if len(got) != len(want) {
		t.Fatalf("transitions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v", got)
		}
	}
}

func TestRetryViewportAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.PutStack("ct-1", 5)
	h.provider.Fail("ct-1", errors.New("pacs down"))

	snap, err := h.manager.Configure(context.Background(), "left", builtin(t, "ct-chest-3view"), chestSelection())
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if snap.ReadyCount() != 0 {
		t.Fatalf("expected all viewports failed, got %+v", snap)
	}

	h.provider.Fail("ct-1", nil)
	state, err := h.manager.RetryViewport(context.Background(), "left", "ct-axial")
	if err != nil {
		t.Fatalf("RetryViewport: %v", err)
	}
	if state.LoadState != volume.StateReady {
		t.Fatalf("expected ready, got %+v", state)
	}
	if _, err := h.manager.RetryViewport(context.Background(), "left", "ct-coronal"); err != nil {
		t.Fatalf("RetryViewport coronal: %v", err)
	}
	if h.provider.Calls() != 2 {
		t.Fatalf("expected coronal to reuse the axial volume, provider called %d times", h.provider.Calls())
	}
	info, ok := h.coord.Group("left/ct-voi")
	if !ok || len(info.ViewportIDs) != 2 {
		t.Fatalf("expected group re-registered with recovered viewports, got %+v", info)
	}

	if _, err := h.manager.RetryViewport(context.Background(), "left", "nope"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.manager.RetryViewport(context.Background(), "other", "ct-axial"); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfiguredGroupsSynchronise(t *testing.T) {
	h := newHarness(t)
	selection := protocol.SeriesSelection{}
	for _, id := range []string{"t1", "t2", "flair", "dwi"} {
		h.provider.PutStack(id, 20)
		selection.Series = append(selection.Series, protocol.SeriesRef{SeriesID: id, Modality: "MR"})
	}
	h.provider.PutStack("dwi", 5)

	snap, err := h.manager.Configure(context.Background(), "left", builtin(t, "mr-brain-4view"), selection)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if snap.ReadyCount() != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	vp1, _ := h.manager.Viewport("left", "mr-1")
	vp4, _ := h.manager.Viewport("left", "mr-4")
	vp2, _ := h.manager.Viewport("left", "mr-2")
	vp1.SetFrameIndex(12)
	if vp2.FrameIndex() != 12 {
		t.Fatalf("mr-2 frame %d", vp2.FrameIndex())
	}
	if vp4.FrameIndex() != 4 {
		t.Fatalf("expected nearest valid frame 4 on the short series, got %d", vp4.FrameIndex())
	}
}

func TestInvalidConfigureInput(t *testing.T) {
	h := newHarness(t)
	if _, err := h.manager.Configure(context.Background(), " ", builtin(t, "default"), protocol.SeriesSelection{}); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := h.manager.Configure(context.Background(), "left", protocol.Definition{ID: "broken"}, protocol.SeriesSelection{}); !errs.Is(err, errs.CodeConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if h.manager.Surface("left").State != StateUninitialized {
		t.Fatal("rejected configure must not create a surface")
	}
}
