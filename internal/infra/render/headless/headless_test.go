package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
)

func refs(n int) []render.ImageReference {
	out := make([]render.ImageReference, n)
	for i := range out {
		out[i] = render.ImageReference{StorageLocator: "wadors:https://pacs.local/frames/1"}
	}
	return out
}

func TestFactoryTracksLiveEngines(t *testing.T) {
	factory := NewFactory()
	ctx := context.Background()
	a, err := factory.CreateEngine(ctx, "left/1")
	if err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
	if _, err := factory.CreateEngine(ctx, "right/1"); err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
	if _, err := factory.CreateEngine(ctx, "left/1"); err == nil {
		t.Fatal("expected duplicate id to fail")
	}
	if got := factory.LiveEngineIDs("left/"); len(got) != 1 {
		t.Fatalf("expected one left engine, got %v", got)
	}
	a.Destroy()
	a.Destroy()
	if factory.LiveEngines() != 1 || factory.Created() != 2 {
		t.Fatalf("live=%d created=%d", factory.LiveEngines(), factory.Created())
	}
}

func TestFactoryCreateErrorInjection(t *testing.T) {
	boom := errors.New("no gpu")
	factory := NewFactory(WithCreateError(boom))
	if _, err := factory.CreateEngine(context.Background(), "s"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	factory.SetCreateError(nil)
	if _, err := factory.CreateEngine(context.Background(), "s"); err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
}

func TestVolumeFramesFollowOrientation(t *testing.T) {
	factory := NewFactory(WithDimensions(64, 32))
	engine, _ := factory.CreateEngine(context.Background(), "s")
	element := render.Element{ID: "s/sag", Width: 10, Height: 10}
	if err := engine.EnableViewport(render.ViewportSpec{ViewportID: "sag", Element: element, Orientation: protocol.OrientationSagittal}); err != nil {
		t.Fatalf("EnableViewport: %v", err)
	}
	vol, err := engine.BuildVolume(context.Background(), "vol", refs(12))
	if err != nil {
		t.Fatalf("BuildVolume: %v", err)
	}
	if err := vol.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	vp, _ := engine.GetViewport("sag")
	if err := vp.SetVolume(vol); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if vp.FrameCount() != 64 {
		t.Fatalf("expected 64 sagittal frames, got %d", vp.FrameCount())
	}
	vp.SetFrameIndex(500)
	if vp.FrameIndex() != 63 {
		t.Fatalf("expected clamp to 63, got %d", vp.FrameIndex())
	}
	if err := vp.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}
}

func TestLoadGateHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	factory := NewFactory(WithLoadGate(gate))
	engine, _ := factory.CreateEngine(context.Background(), "s")
	vol, err := engine.BuildVolume(context.Background(), "vol", refs(3))
	if err != nil {
		t.Fatalf("BuildVolume: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := vol.Load(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(gate)
	if err := vol.Load(context.Background()); err != nil {
		t.Fatalf("Load after gate: %v", err)
	}
}

func TestApplySyncedDoesNotNotify(t *testing.T) {
	factory := NewFactory()
	engine, _ := factory.CreateEngine(context.Background(), "s")
	_ = engine.EnableViewport(render.ViewportSpec{ViewportID: "a", Element: render.Element{ID: "s/a"}})
	vp, _ := engine.GetViewport("a")

	var calls int
	unsubscribe := vp.Subscribe(func(render.Change) { calls++ })
	vp.ApplySynced(render.Change{Kind: render.ChangePan, Pan: render.Point{X: 3}})
	if calls != 0 || vp.Pan().X != 3 {
		t.Fatalf("calls=%d pan=%v", calls, vp.Pan())
	}
	vp.SetZoom(2)
	if calls != 1 {
		t.Fatalf("expected one notification, got %d", calls)
	}
	unsubscribe()
	unsubscribe()
	vp.SetZoom(3)
	if calls != 1 {
		t.Fatalf("expected no notification after unsubscribe, got %d", calls)
	}
}

func TestDestroyedEngineRejectsWork(t *testing.T) {
	factory := NewFactory()
	engine, _ := factory.CreateEngine(context.Background(), "s")
	engine.Destroy()
	if err := engine.EnableViewport(render.ViewportSpec{ViewportID: "a", Element: render.Element{ID: "s/a"}}); !errors.Is(err, ErrEngineDestroyed) {
		t.Fatalf("expected ErrEngineDestroyed, got %v", err)
	}
	if _, err := engine.BuildVolume(context.Background(), "v", refs(1)); !errors.Is(err, ErrEngineDestroyed) {
		t.Fatalf("expected ErrEngineDestroyed, got %v", err)
	}
}

func TestElementResolverMissing(t *testing.T) {
	resolver := NewElementResolver(256, 256, "ghost", "left/b")
	if _, ok := resolver.ResolveElement("left", "ghost"); ok {
		t.Fatal("viewport-wide missing key should not resolve")
	}
	if _, ok := resolver.ResolveElement("left", "b"); ok {
		t.Fatal("surface-scoped missing key should not resolve")
	}
	el, ok := resolver.ResolveElement("right", "b")
	if !ok || el.ID != "right/b" || el.Width != 256 {
		t.Fatalf("unexpected element %+v ok=%v", el, ok)
	}
	resolver.Restore("ghost")
	if _, ok := resolver.ResolveElement("left", "ghost"); !ok {
		t.Fatal("expected restored key to resolve")
	}
}
