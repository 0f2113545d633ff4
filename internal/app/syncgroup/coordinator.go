// Package syncgroup keeps scroll, camera and window/level state consistent across linked viewports.
package syncgroup

import (
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/mprview/errs"
	"github.com/coachpo/mprview/internal/domain/protocol"
	"github.com/coachpo/mprview/internal/domain/render"
)

const component = "sync-coordinator"

// Member is a viewport taking part in a sync group.
type Member struct {
	ViewportID string
	Viewport   render.Viewport
}

// GroupInfo describes a registered group.
type GroupInfo struct {
	GroupID     string              `json:"groupId"`
	ViewportIDs []string            `json:"viewportIds"`
	SyncModes   []protocol.SyncMode `json:"syncModes"`
}

type group struct {
	id      string
	members []Member
	modes   map[protocol.SyncMode]struct{}
	unsubs  []func()
	closed  bool
}

// Coordinator links viewports in named groups. User-originated changes of a member are applied to
// every other member through the synced path, which never notifies, so updates cannot cycle.
type Coordinator struct {
	mu      sync.RWMutex
	groups  map[string]*group
	logger  *log.Logger
	metrics *Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records propagation metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *log.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stdout, "sync-coordinator ", log.LstdFlags|log.Lmicroseconds)
	}
	c := &Coordinator{
		groups: make(map[string]*group),
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CreateSyncGroup registers a group, replacing any group with the same id. The old bindings are
// removed before the new ones are made.
func (c *Coordinator) CreateSyncGroup(groupID string, members []Member, modes []protocol.SyncMode) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("group id required"))
	}
	modeSet, err := normalizeModes(groupID, modes)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(members))
	kept := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Viewport == nil {
			return errs.New(component, errs.CodeInvalid, errs.WithField("group", groupID),
				errs.WithViewport(m.ViewportID), errs.WithMessage("viewport required"))
		}
		if m.ViewportID == "" {
			m.ViewportID = m.Viewport.ID()
		}
		if _, dup := seen[m.ViewportID]; dup {
			continue
		}
		seen[m.ViewportID] = struct{}{}
		kept = append(kept, m)
	}

	g := &group{id: groupID, members: kept, modes: modeSet}

	c.mu.Lock()
	old, replaced := c.groups[groupID]
	if replaced {
		c.closeLocked(old)
	}
	c.groups[groupID] = g
	for _, m := range kept {
		source := m.ViewportID
		g.unsubs = append(g.unsubs, m.Viewport.Subscribe(func(change render.Change) {
			c.propagate(g, source, change)
		}))
	}
	count := len(c.groups)
	c.mu.Unlock()

	if replaced {
		c.logger.Printf("group=%s replaced members=%d", groupID, len(kept))
	}
	c.metrics.setGroups(count)
	return nil
}

// DestroySyncGroup removes a group and its bindings. Unknown ids are ignored.
func (c *Coordinator) DestroySyncGroup(groupID string) {
	groupID = strings.TrimSpace(groupID)
	c.mu.Lock()
	g, ok := c.groups[groupID]
	if ok {
		c.closeLocked(g)
		delete(c.groups, groupID)
	}
	count := len(c.groups)
	c.mu.Unlock()
	if ok {
		c.metrics.setGroups(count)
	}
}

// SetSyncModes replaces the modes of an existing group.
func (c *Coordinator) SetSyncModes(groupID string, modes []protocol.SyncMode) error {
	groupID = strings.TrimSpace(groupID)
	modeSet, err := normalizeModes(groupID, modes)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return errs.New(component, errs.CodeNotFound, errs.WithField("group", groupID), errs.WithMessage("sync group not found"))
	}
	g.modes = modeSet
	return nil
}

// Group describes a registered group.
func (c *Coordinator) Group(groupID string) (GroupInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[strings.TrimSpace(groupID)]
	if !ok {
		return GroupInfo{}, false
	}
	return g.info(), true
}

// Groups lists registered groups sorted by id.
func (c *Coordinator) Groups() []GroupInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]GroupInfo, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (c *Coordinator) closeLocked(g *group) {
	g.closed = true
	for _, unsubscribe := range g.unsubs {
		unsubscribe()
	}
	g.unsubs = nil
}

func (c *Coordinator) propagate(g *group, sourceID string, change render.Change) {
	mode, ok := modeOf(change.Kind)
	if !ok {
		return
	}
	c.mu.RLock()
	if g.closed {
		c.mu.RUnlock()
		return
	}
	if _, enabled := g.modes[mode]; !enabled {
		c.mu.RUnlock()
		return
	}
	targets := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		if m.ViewportID != sourceID {
			targets = append(targets, m)
		}
	}
	c.mu.RUnlock()

	for _, target := range targets {
		synced := change
		synced.ViewportID = target.ViewportID
		if change.Kind == render.ChangeScroll {
			synced.Frame = nearestFrame(change.Frame, target.Viewport.FrameCount())
		}
		target.Viewport.ApplySynced(synced)
	}
	c.metrics.observe(mode, len(targets))
}

func (g *group) info() GroupInfo {
	ids := make([]string, 0, len(g.members))
	for _, m := range g.members {
		ids = append(ids, m.ViewportID)
	}
	modes := make([]protocol.SyncMode, 0, len(g.modes))
	for mode := range g.modes {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return GroupInfo{GroupID: g.id, ViewportIDs: ids, SyncModes: modes}
}

func normalizeModes(groupID string, modes []protocol.SyncMode) (map[protocol.SyncMode]struct{}, error) {
	set := make(map[protocol.SyncMode]struct{}, len(modes))
	for _, raw := range modes {
		mode := protocol.NormalizeSyncMode(string(raw))
		if !mode.Valid() {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithField("group", groupID),
				errs.WithField("mode", string(raw)), errs.WithMessage("unsupported sync mode"))
		}
		set[mode] = struct{}{}
	}
	return set, nil
}

func modeOf(kind render.ChangeKind) (protocol.SyncMode, bool) {
	switch kind {
	case render.ChangeScroll:
		return protocol.SyncScroll, true
	case render.ChangePan:
		return protocol.SyncPan, true
	case render.ChangeZoom:
		return protocol.SyncZoom, true
	case render.ChangeWindowLevel:
		return protocol.SyncWindowLevel, true
	}
	return "", false
}

// nearestFrame maps a frame index onto a viewport with frames slices. An unknown count keeps the index.
func nearestFrame(index, frames int) int {
	if index < 0 {
		return 0
	}
	if frames > 0 && index >= frames {
		return frames - 1
	}
	return index
}
