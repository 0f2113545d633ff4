// Package memory serves image references from an in-memory table. The daemon uses it for catalog
// demos and the tests use it as the reference collaborator.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/mprview/internal/domain/render"
)

// Provider returns ordered references stored per series.
type Provider struct {
	mu      sync.RWMutex
	series  map[string][]render.ImageReference
	failing map[string]error
	calls   int
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{
		series:  make(map[string][]render.ImageReference),
		failing: make(map[string]error),
	}
}

// Put stores the ordered references of a series, replacing earlier ones.
func (p *Provider) Put(seriesID string, refs ...render.ImageReference) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.series[strings.TrimSpace(seriesID)] = append([]render.ImageReference(nil), refs...)
}

// PutStack stores count WADO-RS style references for a series.
func (p *Provider) PutStack(seriesID string, count int) {
	refs := make([]render.ImageReference, count)
	for i := range refs {
		refs[i] = render.ImageReference{
			StorageLocator: fmt.Sprintf("wadors:https://pacs.local/dicom-web/series/%s/instances/%d/frames/1", seriesID, i+1),
			SortingMetadata: map[string]string{
				"InstanceNumber": fmt.Sprintf("%d", i+1),
			},
		}
	}
	p.Put(seriesID, refs...)
}

// Fail makes every fetch for the series return err. nil clears it.
func (p *Provider) Fail(seriesID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, seriesID)
		return
	}
	p.failing[seriesID] = err
}

// Calls returns the number of fetches served.
func (p *Provider) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

// FetchOrderedReferences implements render.ReferenceProvider. Pages are zero-based.
func (p *Provider) FetchOrderedReferences(ctx context.Context, seriesID string, page, limit int) ([]render.ImageReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid page %d limit %d", page, limit)
	}
	p.mu.Lock()
	p.calls++
	err := p.failing[seriesID]
	refs := p.series[seriesID]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	start := page * limit
	if start >= len(refs) {
		return nil, nil
	}
	end := start + limit
	if end > len(refs) {
		end = len(refs)
	}
	out := make([]render.ImageReference, end-start)
	copy(out, refs[start:end])
	return out, nil
}
