// Package imagecache prefetches and decodes the external images referenced
// by a template/dataset pair before rendering begins.
//
// Without the prefetch, each of N rows re-fetches the same shared background
// or logo image, multiplying network latency by N. Preloading once per
// unique URL amortizes that to O(unique URLs), and per-row draws resolve
// synchronously from the cache.
//
// Only the local render strategy uses this cache; the remote strategy
// fetches images server-side.
package imagecache

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	// Decoders for the formats templates commonly reference.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gogpu/gg"

	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/template"
)

// maxImageBytes bounds a single fetched image to keep a hostile or broken
// URL from exhausting memory.
const maxImageBytes = 32 << 20

// Config configures cache behavior.
type Config struct {
	// Concurrency is the number of parallel fetches during PreloadAll.
	// Default: 4.
	Concurrency int

	// Timeout applies to each individual fetch. Default: 30s.
	Timeout time.Duration

	// HTTPClient overrides the client used for fetches. Optional.
	HTTPClient *http.Client
}

// Stats is a snapshot of cache contents.
type Stats struct {
	Cached int `json:"cached"`
	Failed int `json:"failed"`
}

// Cache holds decoded images keyed by URL.
type Cache struct {
	client      *http.Client
	concurrency int

	mu     sync.RWMutex
	images map[string]*gg.ImageBuf
	failed map[string]error
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Cache{
		client:      client,
		concurrency: cfg.Concurrency,
		images:      make(map[string]*gg.ImageBuf),
		failed:      make(map[string]error),
	}
}

// ExtractImageURLs returns the unique, ordered list of image URLs referenced
// by the template elements for the given rows.
//
// Static URLs appear once; URLs with {{field}} placeholders are resolved per
// row through the field mapping. Non-HTTP values (including unresolved
// placeholders) are skipped.
func ExtractImageURLs(elements []template.Element, rows []dataset.Row, mapping template.FieldMapping) []string {
	seen := make(map[string]struct{})
	var urls []string

	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || strings.Contains(u, "{{") {
			return
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	for _, el := range elements {
		if el.Type != template.ElementImage || el.URL == "" {
			continue
		}
		if !strings.Contains(el.URL, "{{") {
			add(el.URL)
			continue
		}
		for _, row := range rows {
			add(template.ResolvePlaceholders(el.URL, row, mapping))
		}
	}

	return urls
}

// PreloadAll fetches and decodes every URL exactly once with bounded
// concurrency. URLs already cached are skipped.
//
// Individual fetch failures do not abort the preload: the affected URL is
// recorded and the rows referencing it will fail at draw time instead.
// Returns the per-URL failures, and an error only if ctx is cancelled.
func (c *Cache) PreloadAll(ctx context.Context, urls []string) (map[string]error, error) {
	pending := make([]string, 0, len(urls))
	c.mu.RLock()
	for _, u := range urls {
		if _, ok := c.images[u]; !ok {
			pending = append(pending, u)
		}
	}
	c.mu.RUnlock()

	if len(pending) == 0 {
		return nil, nil
	}

	urlCh := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range urlCh {
				img, err := c.fetch(ctx, u)
				c.mu.Lock()
				if err != nil {
					c.failed[u] = err
				} else {
					c.images[u] = img
					delete(c.failed, u)
				}
				c.mu.Unlock()
			}
		}()
	}

	for _, u := range pending {
		select {
		case urlCh <- u:
		case <-ctx.Done():
			close(urlCh)
			wg.Wait()
			return c.failures(), ctx.Err()
		}
	}
	close(urlCh)
	wg.Wait()

	return c.failures(), nil
}

func (c *Cache) fetch(ctx context.Context, url string) (*gg.ImageBuf, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(res.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return gg.ImageBufFromImage(img), nil
}

func (c *Cache) failures() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.failed) == 0 {
		return nil
	}
	out := make(map[string]error, len(c.failed))
	for u, err := range c.failed {
		out[u] = err
	}
	return out
}

// Get returns the decoded image for url, if cached.
func (c *Cache) Get(url string) (*gg.ImageBuf, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[url]
	return img, ok
}

// Put stores a decoded image directly. Used by tests and by callers that
// source images outside HTTP.
func (c *Cache) Put(url string, img *gg.ImageBuf) {
	c.mu.Lock()
	c.images[url] = img
	c.mu.Unlock()
}

// Stats returns cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Cached: len(c.images), Failed: len(c.failed)}
}
