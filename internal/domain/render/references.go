package render

import (
	"context"
	"net/url"
	"strings"
)

// ImageReference points at one instance of a series.
type ImageReference struct {
	StorageLocator  string            `json:"storageLocator"`
	SortingMetadata map[string]string `json:"sortingMetadata,omitempty"`
}

// ReferenceProvider returns the instances of a series, already in display order.
type ReferenceProvider interface {
	FetchOrderedReferences(ctx context.Context, seriesID string, page, limit int) ([]ImageReference, error)
}

// LocatorResolver maps a storage locator onto a loadable address.
type LocatorResolver interface {
	Resolve(locator string) (string, bool)
}

// SchemeResolver accepts locators whose scheme is in the allowed set.
type SchemeResolver struct {
	Schemes []string
}

// DefaultLocatorResolver accepts the locator schemes image loaders understand.
func DefaultLocatorResolver() SchemeResolver {
	return SchemeResolver{Schemes: []string{"wadors", "wadouri", "dicomweb", "http", "https"}}
}

// Resolve implements LocatorResolver.
func (r SchemeResolver) Resolve(locator string) (string, bool) {
	trimmed := strings.TrimSpace(locator)
	if trimmed == "" {
		return "", false
	}
	scheme, rest, ok := strings.Cut(trimmed, ":")
	if !ok || rest == "" {
		return "", false
	}
	scheme = strings.ToLower(scheme)
	allowed := false
	for _, s := range r.Schemes {
		if strings.EqualFold(s, scheme) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", false
	}
	address := rest
	if scheme != "http" && scheme != "https" {
		// wadors:https://host/... style locators wrap a full URL.
		if _, inner, found := strings.Cut(rest, "://"); !found || inner == "" {
			return "", false
		}
	} else {
		address = trimmed
	}
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	return address, true
}
