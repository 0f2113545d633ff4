// Package viewer is the consumer-facing API of the viewer: protocol matching, surface
// configuration and teardown, sync mode changes and progress subscriptions.
package viewer

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/coachpo/mprview/errs"
	appprotocol "github.com/coachpo/mprview/internal/app/protocol"
	"github.com/coachpo/mprview/internal/app/syncgroup"
	"github.com/coachpo/mprview/internal/app/viewport"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/infra/bus/eventbus"
	"github.com/coachpo/mprview/lib/async"
)

const component = "viewer"

// Service wires the registry, matcher, lifecycle manager and sync coordinator together.
type Service struct {
	registry *appprotocol.Registry
	matcher  *appprotocol.Matcher
	manager  *viewport.Manager
	groups   *syncgroup.Coordinator
	bus      eventbus.Bus
	pool     *async.Pool
	logger   *log.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Option configures optional service behaviour.
type Option func(*Service)

// WithPool runs asynchronous configure requests on pool.
func WithPool(pool *async.Pool) Option {
	return func(s *Service) { s.pool = pool }
}

// NewService creates the viewer API.
func NewService(registry *appprotocol.Registry, manager *viewport.Manager, groups *syncgroup.Coordinator, bus eventbus.Bus, logger *log.Logger, opts ...Option) (*Service, error) {
	if registry == nil || manager == nil || groups == nil || bus == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("registry, manager, coordinator and bus are required"))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "viewer ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry: registry,
		matcher:  appprotocol.NewMatcher(registry),
		manager:  manager,
		groups:   groups,
		bus:      bus,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// MatchProtocol returns the best-fit protocol for the study.
func (s *Service) MatchProtocol(meta protocol.StudyMetadata) (appprotocol.MatchResult, error) {
	return s.matcher.Match(meta)
}

// RankProtocols lists every eligible protocol for the study, best first.
func (s *Service) RankProtocols(meta protocol.StudyMetadata) ([]appprotocol.Candidate, error) {
	return appprotocol.Rank(s.registry.Snapshot(), meta)
}

// ConfigureSurface configures the surface with a registered protocol and returns once the
// surface is READY or the attempt failed.
func (s *Service) ConfigureSurface(ctx context.Context, surfaceID, protocolID string, selection protocol.SeriesSelection) (viewport.SurfaceSnapshot, error) {
	def, err := s.definition(surfaceID, protocolID)
	if err != nil {
		return viewport.SurfaceSnapshot{}, err
	}
	return s.manager.Configure(ctx, surfaceID, def, selection)
}

// ConfigureSurfaceAsync queues a configure request. The outcome is reported through the
// surface state and the event stream.
func (s *Service) ConfigureSurfaceAsync(surfaceID, protocolID string, selection protocol.SeriesSelection) error {
	def, err := s.definition(surfaceID, protocolID)
	if err != nil {
		return err
	}
	if s.pool == nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithSurface(surfaceID), errs.WithMessage("async configuration disabled"))
	}
	return s.pool.Submit(s.ctx, func(ctx context.Context) error {
		_, err := s.manager.Configure(ctx, surfaceID, def, selection)
		if err != nil && !errs.Is(err, errs.CodeCancelled) {
			s.logger.Printf("surface=%s protocol=%s series=%s configure failed: %v", surfaceID, def.ID, seriesList(selection), err)
		}
		return err
	})
}

// AutoConfigure matches the study and configures the surface with the winner.
func (s *Service) AutoConfigure(ctx context.Context, surfaceID string, meta protocol.StudyMetadata, selection protocol.SeriesSelection) (viewport.SurfaceSnapshot, error) {
	match, err := s.MatchProtocol(meta)
	if err != nil {
		return viewport.SurfaceSnapshot{}, err
	}
	return s.ConfigureSurface(ctx, surfaceID, match.ProtocolID, selection)
}

// TeardownSurface destroys the surface. It is idempotent.
func (s *Service) TeardownSurface(surfaceID string) {
	s.manager.Destroy(surfaceID)
}

// RetryViewport reloads one failed viewport of a READY surface.
func (s *Service) RetryViewport(ctx context.Context, surfaceID, viewportID string) (viewport.ViewportState, error) {
	return s.manager.RetryViewport(ctx, surfaceID, viewportID)
}

// Surface returns a snapshot of the surface.
func (s *Service) Surface(surfaceID string) viewport.SurfaceSnapshot {
	return s.manager.Surface(surfaceID)
}

// Surfaces returns snapshots of every configured surface.
func (s *Service) Surfaces() []viewport.SurfaceSnapshot {
	ids := s.manager.SurfaceIDs()
	out := make([]viewport.SurfaceSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.manager.Surface(id))
	}
	return out
}

// SetSyncMode changes the modes of a live sync group. Group ids have the form
// "<surfaceId>/<groupId>".
func (s *Service) SetSyncMode(groupID string, modes []protocol.SyncMode) error {
	return s.groups.SetSyncModes(groupID, modes)
}

// SyncGroups lists live sync groups.
func (s *Service) SyncGroups() []syncgroup.GroupInfo {
	return s.groups.Groups()
}

// SubscribeEvents streams every event of the surface, or of all surfaces when surfaceID is
// empty, until ctx is done.
func (s *Service) SubscribeEvents(ctx context.Context, surfaceID string) (<-chan eventbus.Event, error) {
	_, ch, err := s.bus.Subscribe(ctx, surfaceID)
	return ch, err
}

// SubscribeProgress streams the load milestones of the surface until ctx is done.
func (s *Service) SubscribeProgress(ctx context.Context, surfaceID string) (<-chan viewport.ProgressEvent, error) {
	if strings.TrimSpace(surfaceID) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("surface id required"))
	}
	_, events, err := s.bus.Subscribe(ctx, surfaceID)
	if err != nil {
		return nil, err
	}
	out := make(chan viewport.ProgressEvent, cap(events))
	go func() {
		defer close(out)
		for evt := range events {
			if evt.Kind != eventbus.KindProgress || evt.Progress == nil {
				continue
			}
			select {
			case out <- *evt.Progress:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Protocols lists registered protocols in registration order.
func (s *Service) Protocols() []protocol.Definition {
	return s.registry.List()
}

// Protocol returns a registered protocol.
func (s *Service) Protocol(id string) (protocol.Definition, error) {
	def, ok := s.registry.Get(id)
	if !ok {
		return protocol.Definition{}, errs.New(component, errs.CodeNotFound, errs.WithProtocol(id), errs.WithMessage("protocol not registered"))
	}
	return def, nil
}

// RegisterProtocol adds or replaces a protocol.
func (s *Service) RegisterProtocol(def protocol.Definition) error {
	return s.registry.Register(def)
}

// RemoveProtocol unregisters a protocol. The fallback protocol cannot be removed.
func (s *Service) RemoveProtocol(id string) error {
	id = strings.TrimSpace(id)
	if id == appprotocol.FallbackID {
		return errs.New(component, errs.CodeInvalid, errs.WithProtocol(id), errs.WithMessage("fallback protocol cannot be removed"))
	}
	if !s.registry.Remove(id) {
		return errs.New(component, errs.CodeNotFound, errs.WithProtocol(id), errs.WithMessage("protocol not registered"))
	}
	return nil
}

// Close stops queued configuration and tears down every surface.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if s.pool != nil {
			err = s.pool.Shutdown(ctx)
		}
		s.manager.Shutdown()
	})
	return err
}

func (s *Service) definition(surfaceID, protocolID string) (protocol.Definition, error) {
	if strings.TrimSpace(surfaceID) == "" {
		return protocol.Definition{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("surface id required"))
	}
	def, ok := s.registry.Get(protocolID)
	if !ok {
		return protocol.Definition{}, errs.New(component, errs.CodeNotFound, errs.WithSurface(surfaceID),
			errs.WithProtocol(protocolID), errs.WithMessage("protocol not registered"))
	}
	return def, nil
}

func seriesList(selection protocol.SeriesSelection) string {
	ids := make([]string, 0, len(selection.Series))
	for _, ref := range selection.Series {
		ids = append(ids, ref.SeriesID)
	}
	return strings.Join(ids, ",")
}
