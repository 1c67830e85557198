// Package extractor defines the boundary to site-specific metadata
// providers. The engine treats extractors as opaque resolvers of direct
// download URLs; their scraping internals live outside the core.
package extractor

import (
	"context"
	"sync"

	"github.com/riptide-dl/riptide/internal/engine/types"
)

// Format is one downloadable rendition reported by an extractor.
type Format struct {
	URL       string
	Quality   string
	Ext       string
	AudioOnly bool
	Filesize  int64
}

// Info is the structured result of a full extraction.
type Info struct {
	Title    string
	Uploader string
	Duration float64
	Formats  []Format
	Raw      map[string]any
}

// Extractor resolves platform URLs into metadata and direct media URLs.
type Extractor interface {
	// CanHandle reports whether this extractor understands the URL.
	CanHandle(url string) bool
	// Metadata fetches lightweight display metadata.
	Metadata(ctx context.Context, url string) (*types.Metadata, error)
	// Extract performs the full resolution.
	Extract(ctx context.Context, url string) (*Info, error)
	// DownloadURLs selects direct URLs from an extraction, honouring the
	// caller's quality and format preferences.
	DownloadURLs(info *Info, opts types.Options) ([]string, error)
}

// Registry holds the registered extractors in registration order.
type Registry struct {
	mu   sync.RWMutex
	list []Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an extractor. First registered wins on overlap.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	r.list = append(r.list, e)
	r.mu.Unlock()
}

// FindFor returns the first extractor claiming the URL, or nil.
func (r *Registry) FindFor(url string) Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.list {
		if e.CanHandle(url) {
			return e
		}
	}
	return nil
}

// Len reports the number of registered extractors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}
