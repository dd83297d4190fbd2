// Package uploader persists rendered pin images through a storage provider
// and hands back their public URLs.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/3leaps/pinforge/pkg/provider"
	"github.com/3leaps/pinforge/pkg/render"
)

// maxAttempts bounds retries for throttled uploads.
const maxAttempts = 3

// retryBaseDelay is the first backoff step; it doubles per attempt.
const retryBaseDelay = 250 * time.Millisecond

// Uploader writes pin blobs under a campaign-scoped key prefix.
//
// Keys follow "campaigns/{campaignID}/{fileName}", so one DeletePrefix call
// clears a campaign during regeneration.
type Uploader struct {
	store provider.Provider
}

// New creates an uploader over the given store.
func New(store provider.Provider) (*Uploader, error) {
	if store == nil {
		return nil, fmt.Errorf("uploader requires a storage provider")
	}
	return &Uploader{store: store}, nil
}

// Key returns the object key for one pin of a campaign.
func Key(campaignID, fileName string) string {
	return path.Join("campaigns", campaignID, fileName)
}

// Upload persists one render result and returns the pin's public URL.
//
// Remote render results already carry a server-stored URL and are passed
// through untouched. Throttled uploads are retried with backoff; other
// failures surface immediately as row-level errors.
func (u *Uploader) Upload(ctx context.Context, campaignID string, res *render.Result) (string, error) {
	if res == nil {
		return "", fmt.Errorf("upload: nil render result")
	}
	if res.URL != "" {
		return res.URL, nil
	}
	if len(res.Blob) == 0 {
		return "", fmt.Errorf("upload row %d: render result has neither blob nor URL", res.RowIndex)
	}

	key := Key(campaignID, res.FileName)
	contentType := contentTypeFor(res.FileName)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBaseDelay << (attempt - 1)):
			}
		}

		err := u.store.Put(ctx, key, bytes.NewReader(res.Blob), int64(len(res.Blob)), contentType)
		if err == nil {
			return u.store.PublicURL(key), nil
		}
		lastErr = err
		if !provider.IsThrottled(err) {
			break
		}
	}
	return "", fmt.Errorf("upload %s: %w", key, lastErr)
}

// DeleteCampaign removes every stored pin of a campaign and reports the count.
func (u *Uploader) DeleteCampaign(ctx context.Context, campaignID string) (int, error) {
	if strings.TrimSpace(campaignID) == "" {
		return 0, fmt.Errorf("delete campaign: empty campaign id")
	}
	return u.store.DeletePrefix(ctx, Key(campaignID, ""))
}

func contentTypeFor(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
