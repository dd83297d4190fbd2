package imagecache

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/template"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestExtractImageURLs(t *testing.T) {
	elements := []template.Element{
		{Type: template.ElementImage, URL: "https://cdn.example.com/logo.png"},
		{Type: template.ElementImage, URL: "https://cdn.example.com/logo.png"}, // duplicate
		{Type: template.ElementImage, URL: "{{photo}}"},
		{Type: template.ElementText, Text: "https://not-an-image.example.com"},
		{Type: template.ElementImage, URL: "file:///etc/passwd"},
	}
	rows := []dataset.Row{
		{"photo_url": "https://cdn.example.com/a.jpg"},
		{"photo_url": "https://cdn.example.com/b.jpg"},
		{"photo_url": "https://cdn.example.com/a.jpg"}, // duplicate across rows
		{"photo_url": ""},
	}
	mapping := template.FieldMapping{"photo": "photo_url"}

	urls := ExtractImageURLs(elements, rows, mapping)
	assert.Equal(t, []string{
		"https://cdn.example.com/logo.png",
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/b.jpg",
	}, urls)
}

func TestPreloadAll(t *testing.T) {
	data := pngBytes(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			hits++
			_, _ = w.Write(data)
		case "/missing.png":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("not an image"))
		}
	}))
	defer srv.Close()

	c := New(Config{Concurrency: 2})
	failures, err := c.PreloadAll(context.Background(), []string{
		srv.URL + "/ok.png",
		srv.URL + "/missing.png",
		srv.URL + "/garbage.bin",
	})
	require.NoError(t, err)

	assert.Len(t, failures, 2)
	_, ok := c.Get(srv.URL + "/ok.png")
	assert.True(t, ok)
	_, ok = c.Get(srv.URL + "/missing.png")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, 1, st.Cached)
	assert.Equal(t, 2, st.Failed)

	// A second preload skips cached URLs entirely.
	_, err = c.PreloadAll(context.Background(), []string{srv.URL + "/ok.png"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits)
}

func TestPreloadAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes(t))
	}))
	defer srv.Close()

	c := New(Config{Concurrency: 1})
	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}

	// Whether the loop notices cancellation before or after handing out the
	// last URL, nothing may be cached with a dead context.
	_, _ = c.PreloadAll(ctx, urls)
	assert.Equal(t, 0, c.Stats().Cached)
}
