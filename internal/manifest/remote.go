package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"espflash/internal/firmware"
)

// RemoteResolver asks a firmware backend for the chip's manifest and
// downloads every file it lists.
type RemoteResolver struct {
	BaseURL string
	Client  *http.Client
	// Sequential downloads one file at a time for backends that cannot
	// serve concurrent requests.
	Sequential  bool
	MaxParallel int
}

type remoteEntry struct {
	File    string `json:"file"`
	Address uint32 `json:"address"`
}

// Resolve implements Resolver.
func (r *RemoteResolver) Resolve(ctx context.Context, chip string) (firmware.Manifest, error) {
	manifestURL := r.manifestURL(chip)
	glog.Infof("Fetching firmware manifest %s", manifestURL)

	body, status, err := get(ctx, r.Client, manifestURL)
	if err != nil {
		return nil, &ManifestFetchError{URL: manifestURL, Err: err}
	}
	if !isSuccess(status) {
		return nil, &ManifestFetchError{URL: manifestURL, StatusCode: status}
	}

	var entries []remoteEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &ManifestFetchError{URL: manifestURL, StatusCode: status, Err: fmt.Errorf("malformed manifest: %w", err)}
	}
	if len(entries) == 0 {
		return nil, &ManifestFetchError{URL: manifestURL, StatusCode: status, Err: errors.New("manifest lists no files")}
	}
	for _, e := range entries {
		if e.File == "" {
			return nil, &ManifestFetchError{URL: manifestURL, StatusCode: status, Err: fmt.Errorf("entry at 0x%X has no file", e.Address)}
		}
	}

	images := make(firmware.Manifest, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism())

	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			fileURL := r.fileURL(chip, e.File)
			glog.V(1).Infof("Downloading %s", fileURL)

			data, status, err := get(gctx, r.Client, fileURL)
			if err != nil {
				return &AssetFetchError{File: e.File, URL: fileURL, Err: err}
			}
			if !isSuccess(status) {
				return &AssetFetchError{File: e.File, URL: fileURL, StatusCode: status}
			}
			images[i] = firmware.Image{Address: e.Address, Data: data, Name: e.File}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := images.Validate(); err != nil {
		return nil, &ManifestFetchError{URL: manifestURL, StatusCode: status, Err: err}
	}
	images.Sort()

	glog.Infof("Resolved %d images (%d bytes) for %s", len(images), images.TotalSize(), chip)
	return images, nil
}

func (r *RemoteResolver) parallelism() int {
	if r.Sequential || r.MaxParallel < 1 {
		return 1
	}
	return r.MaxParallel
}

func (r *RemoteResolver) manifestURL(chip string) string {
	return strings.TrimRight(r.BaseURL, "/") + "/api/firmware/" + url.PathEscape(chip)
}

// fileURL escapes each segment; backend file paths may contain directories.
func (r *RemoteResolver) fileURL(chip, file string) string {
	segments := strings.Split(strings.TrimLeft(file, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(r.BaseURL, "/") + "/firmware/" + url.PathEscape(chip) + "/" + strings.Join(segments, "/")
}
