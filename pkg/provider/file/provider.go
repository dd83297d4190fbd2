// Package file implements the provider interface on a local directory.
//
// This is the default store for single-machine deployments: pins land under
// BaseDir and the HTTP server exposes them at PublicBaseURL.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/pinforge/pkg/provider"
)

// Provider stores pin assets as files under BaseDir. Keys are treated as
// slash-separated relative paths.
type Provider struct {
	baseDir       string
	publicBaseURL string
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.ObjectGetter = (*Provider)(nil)
)

// Config configures a filesystem provider.
type Config struct {
	// BaseDir is the directory assets are written under (required). It is
	// created on first use.
	BaseDir string

	// PublicBaseURL is the URL prefix the server maps onto BaseDir,
	// e.g. "http://localhost:8080/assets". Empty yields file:// URLs.
	PublicBaseURL string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("file provider: base dir is required")
	}
	return nil
}

// New creates a filesystem provider rooted at cfg.BaseDir.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{
		baseDir:       filepath.Clean(cfg.BaseDir),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Close implements provider.Provider. Nothing to release.
func (p *Provider) Close() error { return nil }

// Put writes the object atomically: temp file in the destination directory,
// then rename. A crash mid-write never leaves a truncated pin behind.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_ = size
	_ = contentType
	if err := ctx.Err(); err != nil {
		return p.wrapError("Put", key, err)
	}

	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "pinforge-put-*")
	if err != nil {
		return p.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("Put", key, err)
	}
	return nil
}

// Head returns metadata for a single object.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		if err == nil || os.IsNotExist(err) {
			return nil, &provider.ProviderError{Op: "Head", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
		}
		return nil, p.wrapError("Head", key, err)
	}

	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          strings.TrimPrefix(key, "/"),
			Size:         st.Size(),
			LastModified: st.ModTime(),
		},
		ContentType: contentTypeForKey(key),
	}, nil
}

// Get streams the object back. Used by the asset-serving handler.
func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("Get", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, &provider.ProviderError{Op: "Get", Provider: provider.ProviderFile, Key: key, Err: provider.ErrNotFound}
		}
		return nil, 0, p.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("Get", key, err)
	}
	return f, st.Size(), nil
}

// Delete removes a single object. Missing objects are not an error.
func (p *Provider) Delete(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return p.wrapError("Delete", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and prunes the emptied
// directory. Regeneration calls this with the campaign's key prefix.
func (p *Provider) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := p.collectKeys(strings.TrimPrefix(prefix, "/"))
	if err != nil {
		return 0, p.wrapError("DeletePrefix", prefix, err)
	}

	deleted := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, p.wrapError("DeletePrefix", prefix, err)
		}
		full, err := p.fullPath(k)
		if err != nil {
			continue
		}
		if err := os.Remove(full); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, p.wrapError("DeletePrefix", k, err)
		}
		deleted++
	}

	// Best effort: drop the now-empty prefix directory.
	if root, err := p.fullPath(prefix); err == nil {
		_ = os.Remove(root)
	}
	return deleted, nil
}

// List returns a lexicographically ordered page of keys under the prefix.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	_ = ctx
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys, err := p.collectKeys(strings.TrimPrefix(opts.Prefix, "/"))
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Resume strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}
	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	objects := make([]provider.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		full, err := p.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &provider.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

// PublicURL maps the key under PublicBaseURL, or file:// when none is set.
func (p *Provider) PublicURL(key string) string {
	key = strings.TrimPrefix(key, "/")
	if p.publicBaseURL != "" {
		return p.publicBaseURL + "/" + key
	}
	full, err := p.fullPath(key)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(full)
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	// Prevent path traversal.
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) collectKeys(prefix string) ([]string, error) {
	root, err := p.fullPath(prefix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
