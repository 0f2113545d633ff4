package volume

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
	"github.com/coachpo/mprview/internal/infra/references/memory"
	"github.com/coachpo/mprview/internal/infra/render/headless"
)

type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) record(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *recorder) stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func newTestLoader(t *testing.T, provider render.ReferenceProvider, cfg Config) *Loader {
	t.Helper()
	loader, err := NewLoader(provider, nil, cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return loader
}

func newEngine(t *testing.T, factory *headless.Factory) render.Engine {
	t.Helper()
	engine, err := factory.CreateEngine(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
	t.Cleanup(engine.Destroy)
	return engine
}

func TestLoadReportsMilestonesAndReady(t *testing.T) {
	provider := memory.NewProvider()
	provider.PutStack("1.2.3", 7)
	loader := newTestLoader(t, provider, Config{PageSize: 3})
	engine := newEngine(t, headless.NewFactory())

	rec := &recorder{}
	res, err := loader.Load(context.Background(), engine, protocol.SeriesRef{SeriesID: "1.2.3"}, rec.record)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Ready() || res.VolumeID != VolumeIDFor("1.2.3") || len(res.References) != 7 {
		t.Fatalf("unexpected resource %+v", res)
	}
	want := []Stage{StageReferencesFetched, StageVolumeConstructed, StageVoxelsLoaded, StageReady}
	got := rec.stages()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages = %v, want %v", got, want)
		}
	}
	if provider.Calls() != 3 {
		t.Fatalf("expected 3 paged fetches, got %d", provider.Calls())
	}
	if res.Volume.Dimensions().Slices != 7 {
		t.Fatalf("unexpected dimensions %+v", res.Volume.Dimensions())
	}
}

func TestVolumeIDIsDeterministic(t *testing.T) {
	if VolumeIDFor("abc") != VolumeIDFor(" abc ") {
		t.Fatal("volume id must not depend on surrounding whitespace")
	}
	if VolumeIDFor("abc") == VolumeIDFor("abd") {
		t.Fatal("distinct series must yield distinct volume ids")
	}
}

func TestLoadRejectsInvalidSeries(t *testing.T) {
	loader := newTestLoader(t, memory.NewProvider(), Config{})
	engine := newEngine(t, headless.NewFactory())
	_, err := loader.Load(context.Background(), engine, protocol.SeriesRef{SeriesID: "  "}, nil)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestLoadDropsUnresolvableReferences(t *testing.T) {
	provider := memory.NewProvider()
	provider.Put("s",
		render.ImageReference{StorageLocator: "wadors:https://pacs.local/frames/1"},
		render.ImageReference{StorageLocator: "file:///tmp/x.dcm"},
		render.ImageReference{StorageLocator: ""},
		render.ImageReference{StorageLocator: "https://pacs.local/instances/2"},
	)
	loader := newTestLoader(t, provider, Config{})
	res, err := loader.Load(context.Background(), newEngine(t, headless.NewFactory()), protocol.SeriesRef{SeriesID: "s"}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.Ready() || len(res.References) != 2 || res.Dropped != 2 {
		t.Fatalf("unexpected resource %+v", res)
	}
}

func TestLoadEmptySeriesFails(t *testing.T) {
	provider := memory.NewProvider()
	provider.Put("s", render.ImageReference{StorageLocator: "bogus"})
	loader := newTestLoader(t, provider, Config{})
	rec := &recorder{}
	res, err := loader.Load(context.Background(), newEngine(t, headless.NewFactory()), protocol.SeriesRef{SeriesID: "s"}, rec.record)
	if err != nil {
		t.Fatalf("stage failures must not be returned as errors: %v", err)
	}
	if res.State != StateFailed || !errs.Is(res.Err, errs.CodeEmptySeries) {
		t.Fatalf("expected empty series failure, got %+v", res)
	}
	stages := rec.stages()
	if len(stages) != 1 || stages[0] != StageFailed {
		t.Fatalf("expected single failed event, got %v", stages)
	}
}

func TestLoadProviderFailure(t *testing.T) {
	provider := memory.NewProvider()
	provider.Fail("s", errors.New("pacs down"))
	loader := newTestLoader(t, provider, Config{})
	res, err := loader.Load(context.Background(), newEngine(t, headless.NewFactory()), protocol.SeriesRef{SeriesID: "s"}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.State != StateFailed || !errs.Is(res.Err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable failure, got %+v", res)
	}
}

func TestLoadBuildFailure(t *testing.T) {
	provider := memory.NewProvider()
	provider.PutStack("s", 3)
	loader := newTestLoader(t, provider, Config{})
	factory := headless.NewFactory(headless.WithBuildError(errors.New("out of texture memory")))
	res, err := loader.Load(context.Background(), newEngine(t, factory), protocol.SeriesRef{SeriesID: "s"}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.State != StateFailed || !errs.Is(res.Err, errs.CodeVolumeFailed) || res.Volume != nil {
		t.Fatalf("expected volume failure, got %+v", res)
	}
}

func TestLoadCancelStopsProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := memory.NewProvider()
	provider.PutStack("s", 3)
	loader := newTestLoader(t, provider, Config{})
	gate := make(chan struct{})
	defer close(gate)
	factory := headless.NewFactory(headless.WithLoadGate(gate))
	engine, _ := factory.CreateEngine(context.Background(), "cancel")
	defer engine.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	constructed := make(chan struct{})
	onProgress := func(p Progress) {
		rec.record(p)
		if p.Stage == StageVolumeConstructed {
			close(constructed)
		}
	}
	done := make(chan *Resource, 1)
	go func() {
		res, _ := loader.Load(ctx, engine, protocol.SeriesRef{SeriesID: "s"}, onProgress)
		done <- res
	}()

	select {
	case <-constructed:
	case <-time.After(2 * time.Second):
		t.Fatal("load never reached volume construction")
	}
	cancel()

	var res *Resource
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled load did not return")
	}
	if !res.Cancelled() || res.State != StateFailed || res.Volume != nil {
		t.Fatalf("expected cancelled resource, got %+v", res)
	}
	for _, stage := range rec.stages() {
		if stage == StageVoxelsLoaded || stage.Terminal() {
			t.Fatalf("progress forwarded after cancellation: %v", rec.stages())
		}
	}
}

func TestStartStreamTerminates(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := memory.NewProvider()
	provider.PutStack("s", 2)
	loader := newTestLoader(t, provider, Config{})
	engine := newEngine(t, headless.NewFactory())

	stream := loader.Start(context.Background(), engine, protocol.SeriesRef{SeriesID: "s"})
	var last Progress
	count := 0
	for p := range stream.Events() {
		last = p
		count++
	}
	if count != 4 || last.Stage != StageReady || last.PercentComplete != 100 {
		t.Fatalf("count=%d last=%+v", count, last)
	}
	res, err := stream.Result(context.Background())
	if err != nil || !res.Ready() {
		t.Fatalf("Result: %+v %v", res, err)
	}
}

func TestReferenceCacheServesRepeatLoads(t *testing.T) {
	provider := memory.NewProvider()
	provider.PutStack("s", 2)
	loader := newTestLoader(t, provider, Config{CacheTTL: time.Minute})
	engine := newEngine(t, headless.NewFactory())
	for i := 0; i < 3; i++ {
		res, err := loader.Load(context.Background(), engine, protocol.SeriesRef{SeriesID: "s"}, nil)
		if err != nil || !res.Ready() {
			t.Fatalf("Load %d: %+v %v", i, res, err)
		}
	}
	if provider.Calls() != 1 {
		t.Fatalf("expected cached references, provider called %d times", provider.Calls())
	}
	loader.Invalidate("s")
	if _, err := loader.Load(context.Background(), engine, protocol.SeriesRef{SeriesID: "s"}, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if provider.Calls() != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", provider.Calls())
	}
}

func TestReferenceCacheExpires(t *testing.T) {
	cache := newReferenceCache(time.Second)
	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }
	cache.put("s", []render.ImageReference{{StorageLocator: "x"}})
	if _, ok := cache.get("s"); !ok {
		t.Fatal("expected hit")
	}
	now = now.Add(2 * time.Second)
	if _, ok := cache.get("s"); ok {
		t.Fatal("expected expiry")
	}
}
