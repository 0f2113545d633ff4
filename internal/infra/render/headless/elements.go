package headless

import (
	"strings"
	"sync"

	"github.com/coachpo/mprview/internal/domain/render"
)

// ElementResolver resolves every viewport to a synthetic element unless it was marked missing.
type ElementResolver struct {
	Width  int
	Height int

	mu      sync.RWMutex
	missing map[string]struct{}
}

// NewElementResolver creates a resolver whose elements have the given size. Entries of missing
// are either a viewport id or "<surface>/<viewport>".
func NewElementResolver(width, height int, missing ...string) *ElementResolver {
	r := &ElementResolver{Width: width, Height: height, missing: make(map[string]struct{})}
	r.MarkMissing(missing...)
	return r
}

// MarkMissing makes the given viewport keys unresolvable.
func (r *ElementResolver) MarkMissing(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			r.missing[key] = struct{}{}
		}
	}
}

// Restore makes previously missing keys resolvable again.
func (r *ElementResolver) Restore(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		delete(r.missing, strings.TrimSpace(key))
	}
}

// ResolveElement implements render.ElementResolver.
func (r *ElementResolver) ResolveElement(surfaceID, viewportID string) (render.Element, bool) {
	key := surfaceID + "/" + viewportID
	r.mu.RLock()
	_, missingViewport := r.missing[viewportID]
	_, missingKey := r.missing[key]
	r.mu.RUnlock()
	if missingViewport || missingKey {
		return render.Element{}, false
	}
	return render.Element{ID: key, Width: r.Width, Height: r.Height}, true
}
