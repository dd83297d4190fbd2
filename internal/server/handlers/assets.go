package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/pinforge/pkg/provider"

	apperrors "github.com/3leaps/pinforge/internal/errors"
)

// AssetsHandler serves GET /assets/* by streaming objects from the store.
// Only file-backed deployments mount it; S3 deployments serve assets from
// the bucket's own URL and never hit this handler.
func AssetsHandler(getter provider.ObjectGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		if key == "" || strings.Contains(key, "..") {
			apperrors.WriteError(w, r, http.StatusBadRequest,
				apperrors.CodeInvalidRequest, "invalid asset key")
			return
		}

		body, size, err := getter.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				apperrors.WriteError(w, r, http.StatusNotFound,
					apperrors.CodeNotFound, "asset not found")
				return
			}
			respondWithError(w, r, err)
			return
		}
		defer func() { _ = body.Close() }()

		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			w.Header().Set("Content-Type", ct)
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		if size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

		_, _ = io.Copy(w, body)
	}
}
