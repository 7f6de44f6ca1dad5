package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/checkmate-sg/checkmate-core/internal/storage"
)

// maxImageBytes caps a single image download.
const maxImageBytes = 20 << 20 // 20 MB

// BlobStore is the slice of the storage layer the fetcher caches through.
type BlobStore interface {
	PutBlob(ctx context.Context, key, contentType string, data []byte) error
	GetBlob(ctx context.Context, key string) (contentType string, data []byte, err error)
}

// ImageFetcher downloads submitted images, caching bytes content-addressed
// by URL hash. Concurrent fetches of the same URL are collapsed with
// singleflight so one submission storm downloads each image once.
type ImageFetcher struct {
	blobs      BlobStore
	httpClient *http.Client
	group      singleflight.Group
}

// NewImageFetcher creates a fetcher backed by the given blob store.
func NewImageFetcher(blobs BlobStore, timeout time.Duration) *ImageFetcher {
	return &ImageFetcher{blobs: blobs, httpClient: newHTTPClient(timeout)}
}

// Image is a downloaded image with its cache key.
type Image struct {
	Key         string
	ContentType string
	Data        []byte
}

// DataURL renders the image as a data: URL for multimodal LLM prompts.
func (img *Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", img.ContentType, base64.StdEncoding.EncodeToString(img.Data))
}

// BlobKey returns the content-addressed cache key for an image URL.
func BlobKey(imageURL string) string {
	sum := sha256.Sum256([]byte(imageURL))
	return hex.EncodeToString(sum[:])
}

// Fetch returns the image at imageURL, from cache when available.
func (f *ImageFetcher) Fetch(ctx context.Context, imageURL string) (*Image, error) {
	key := BlobKey(imageURL)

	v, err, _ := f.group.Do(key, func() (any, error) {
		contentType, data, err := f.blobs.GetBlob(ctx, key)
		if err == nil {
			return &Image{Key: key, ContentType: contentType, Data: data}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		img, err := f.download(ctx, imageURL, key)
		if err != nil {
			return nil, err
		}
		if err := f.blobs.PutBlob(ctx, key, img.ContentType, img.Data); err != nil {
			// Cache miss next time; the download itself succeeded.
			return img, nil
		}
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Image), nil
}

func (f *ImageFetcher) download(ctx context.Context, imageURL, key string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: image download: create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: image download: %v: %w", err, ErrUpstream)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("image download", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("upstream: image download: read body: %v: %w", err, ErrUpstream)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("upstream: image download: exceeds %d bytes: %w", maxImageBytes, ErrUpstream)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Image{Key: key, ContentType: contentType, Data: data}, nil
}
