// Package volume turns series references into renderable volumes.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
	"github.com/coachpo/mprview/internal/infra/telemetry"
)

const component = "volume-loader"

// VolumeIDPrefix prefixes every volume id derived from a series.
const VolumeIDPrefix = "mprvolume:"

// LoadState is the lifecycle of a volume resource.
type LoadState string

const (
	// StatePending means the load has not started.
	StatePending LoadState = "pending"
	// StateLoading means references or voxels are being fetched.
	StateLoading LoadState = "loading"
	// StateReady means the volume can be rendered.
	StateReady LoadState = "ready"
	// StateFailed means the load ended without a volume.
	StateFailed LoadState = "failed"
)

// Stage names a load milestone.
type Stage string

const (
	// StageReferencesFetched is reported once the ordered references are known.
	StageReferencesFetched Stage = "references_fetched"
	// StageVolumeConstructed is reported once the engine built the volume.
	StageVolumeConstructed Stage = "volume_constructed"
	// StageVoxelsLoaded is reported once voxel data is decoded.
	StageVoxelsLoaded Stage = "voxels_loaded"
	// StageReady terminates a successful load.
	StageReady Stage = "ready"
	// StageFailed terminates a failed load.
	StageFailed Stage = "failed"
)

// Terminal reports whether no further events follow the stage.
func (s Stage) Terminal() bool {
	return s == StageReady || s == StageFailed
}

// Progress is a single load milestone.
type Progress struct {
	SeriesID        string `json:"seriesId"`
	VolumeID        string `json:"volumeId"`
	Stage           Stage  `json:"stage"`
	PercentComplete int    `json:"percentComplete"`
	Err             error  `json:"-"`
}

// Resource is the outcome of a load. It is read-only once returned.
type Resource struct {
	VolumeID   string
	SeriesID   string
	References []render.ImageReference
	Dropped    int
	State      LoadState
	Volume     render.Volume
	Err        error
}

// Ready reports whether the volume can be attached.
func (r *Resource) Ready() bool {
	return r != nil && r.State == StateReady && r.Volume != nil
}

// Cancelled reports whether the load was abandoned on purpose.
func (r *Resource) Cancelled() bool {
	return r != nil && errs.Is(r.Err, errs.CodeCancelled)
}

// VolumeIDFor derives the volume id of a series. Equal series ids always yield equal volume ids.
func VolumeIDFor(seriesID string) string {
	return VolumeIDPrefix + strings.TrimSpace(seriesID)
}

// Config tunes reference paging and caching.
type Config struct {
	PageSize int
	MaxPages int
	CacheTTL time.Duration
}

func (c Config) normalize() Config {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 1000
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
	return c
}

// Loader fetches ordered references and drives volume construction on an engine.
type Loader struct {
	provider render.ReferenceProvider
	resolver render.LocatorResolver
	cfg      Config
	logger   *log.Logger
	cache    *referenceCache

	loadCounter     metric.Int64Counter
	loadDuration    metric.Float64Histogram
	droppedCounter  metric.Int64Counter
	cacheHitCounter metric.Int64Counter
}

// NewLoader creates a loader. A nil resolver accepts the default locator schemes.
func NewLoader(provider render.ReferenceProvider, resolver render.LocatorResolver, cfg Config, logger *log.Logger) (*Loader, error) {
	if provider == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("reference provider required"))
	}
	if resolver == nil {
		resolver = render.DefaultLocatorResolver()
	}
	if logger == nil {
		logger = log.New(os.Stdout, "volume-loader ", log.LstdFlags|log.Lmicroseconds)
	}
	cfg = cfg.normalize()
	l := &Loader{
		provider: provider,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		cache:    newReferenceCache(cfg.CacheTTL),
	}
	l.initMetrics()
	return l, nil
}

func (l *Loader) initMetrics() {
	meter := otel.Meter("volume.loader")
	l.loadCounter, _ = meter.Int64Counter("volume.loads",
		metric.WithDescription("Volume loads by result"),
		metric.WithUnit("{load}"))
	l.loadDuration, _ = meter.Float64Histogram("volume.load.duration",
		metric.WithDescription("Time from reference fetch to voxel data loaded"),
		metric.WithUnit("ms"))
	l.droppedCounter, _ = meter.Int64Counter("volume.references.dropped",
		metric.WithDescription("Image references dropped because their locator could not be resolved"),
		metric.WithUnit("{reference}"))
	l.cacheHitCounter, _ = meter.Int64Counter("volume.references.cache_hits",
		metric.WithDescription("Reference lookups served from cache"),
		metric.WithUnit("{lookup}"))
}

// Invalidate drops cached references of a series.
func (l *Loader) Invalidate(seriesID string) {
	l.cache.remove(strings.TrimSpace(seriesID))
}

// Load runs every stage for the series on the engine. Stage failures are reported on the returned
// resource; an error is returned only for an invalid series reference or a missing engine.
// Once ctx is done no further progress is reported and the resource fails as cancelled.
func (l *Loader) Load(ctx context.Context, engine render.Engine, series protocol.SeriesRef, onProgress func(Progress)) (*Resource, error) {
	seriesID := strings.TrimSpace(series.SeriesID)
	if seriesID == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("series id required"))
	}
	if engine == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithSeries(seriesID), errs.WithMessage("engine required"))
	}
	res := &Resource{
		VolumeID: VolumeIDFor(seriesID),
		SeriesID: seriesID,
		State:    StatePending,
	}
	emit := func(stage Stage, percent int, err error) {
		if onProgress == nil || ctx.Err() != nil {
			return
		}
		onProgress(Progress{SeriesID: seriesID, VolumeID: res.VolumeID, Stage: stage, PercentComplete: percent, Err: err})
	}
	start := time.Now()
	res.State = StateLoading

	refs, err := l.references(ctx, seriesID)
	if err != nil {
		return l.fail(ctx, res, start, emit, err), nil
	}
	res.References = refs.kept
	res.Dropped = refs.dropped
	emit(StageReferencesFetched, 33, nil)

	vol, err := await(ctx, func() (render.Volume, error) {
		return engine.BuildVolume(ctx, res.VolumeID, res.References)
	})
	if err != nil {
		return l.fail(ctx, res, start, emit, stageError(ctx, seriesID, "build volume", err)), nil
	}
	emit(StageVolumeConstructed, 66, nil)

	if _, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, vol.Load(ctx)
	}); err != nil {
		return l.fail(ctx, res, start, emit, stageError(ctx, seriesID, "load voxels", err)), nil
	}
	if err := ctx.Err(); err != nil {
		return l.fail(ctx, res, start, emit, errs.Cancelled(component, err)), nil
	}
	emit(StageVoxelsLoaded, 100, nil)

	res.Volume = vol
	res.State = StateReady
	l.record(ctx, seriesID, telemetry.ResultSuccess, start)
	emit(StageReady, 100, nil)
	return res, nil
}

// Start runs Load in the background and exposes its progress as a finite stream.
func (l *Loader) Start(ctx context.Context, engine render.Engine, series protocol.SeriesRef) *Stream {
	stream := newStream()
	go func() {
		res, err := l.Load(ctx, engine, series, stream.push)
		stream.finish(res, err)
	}()
	return stream
}

type fetchedReferences struct {
	kept    []render.ImageReference
	dropped int
}

func (l *Loader) references(ctx context.Context, seriesID string) (fetchedReferences, error) {
	if refs, ok := l.cache.get(seriesID); ok {
		l.cacheHitCounter.Add(ctx, 1, metric.WithAttributes(telemetry.LoadAttributes(telemetry.Environment(), seriesID, "")...))
		return fetchedReferences{kept: refs}, nil
	}
	var raw []render.ImageReference
	for page := 0; page < l.cfg.MaxPages; page++ {
		batch, err := l.provider.FetchOrderedReferences(ctx, seriesID, page, l.cfg.PageSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fetchedReferences{}, errs.Cancelled(component, ctxErr)
			}
			return fetchedReferences{}, errs.New(component, errs.CodeUnavailable,
				errs.WithSeries(seriesID), errs.WithMessage("fetch image references"), errs.WithCause(err),
				errs.WithField("page", fmt.Sprintf("%d", page)))
		}
		raw = append(raw, batch...)
		if len(batch) < l.cfg.PageSize {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return fetchedReferences{}, errs.Cancelled(component, err)
	}

	out := fetchedReferences{kept: make([]render.ImageReference, 0, len(raw))}
	for _, ref := range raw {
		if _, ok := l.resolver.Resolve(ref.StorageLocator); !ok {
			out.dropped++
			continue
		}
		out.kept = append(out.kept, ref)
	}
	if out.dropped > 0 {
		l.logger.Printf("series=%s dropped %d unresolvable references of %d", seriesID, out.dropped, len(raw))
		l.droppedCounter.Add(ctx, int64(out.dropped), metric.WithAttributes(telemetry.LoadAttributes(telemetry.Environment(), seriesID, "")...))
	}
	if len(out.kept) == 0 {
		return out, errs.New(component, errs.CodeEmptySeries, errs.WithSeries(seriesID),
			errs.WithMessage("no resolvable image references"), errs.WithField("fetched", fmt.Sprintf("%d", len(raw))))
	}
	l.cache.put(seriesID, out.kept)
	return out, nil
}

func (l *Loader) fail(ctx context.Context, res *Resource, start time.Time, emit func(Stage, int, error), err error) *Resource {
	res.State = StateFailed
	res.Err = err
	res.Volume = nil
	if errs.Is(err, errs.CodeCancelled) {
		l.record(context.WithoutCancel(ctx), res.SeriesID, telemetry.ResultCancelled, start)
		return res
	}
	l.logger.Printf("series=%s volume=%s load failed: %v", res.SeriesID, res.VolumeID, err)
	l.record(ctx, res.SeriesID, telemetry.ResultFailed, start)
	emit(StageFailed, 100, err)
	return res
}

func (l *Loader) record(ctx context.Context, seriesID, result string, start time.Time) {
	attrs := append(telemetry.LoadAttributes(telemetry.Environment(), seriesID, ""), telemetry.AttrResult.String(result))
	l.loadCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	l.loadDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
}

func stageError(ctx context.Context, seriesID, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errs.Cancelled(component, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Cancelled(component, err)
	}
	return errs.New(component, errs.CodeVolumeFailed, errs.WithSeries(seriesID), errs.WithMessage(stage), errs.WithCause(err))
}

// await runs fn and returns early once ctx is done. The abandoned call finishes in the background.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn()
		done <- outcome{value: value, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case out := <-done:
		return out.value, out.err
	}
}
