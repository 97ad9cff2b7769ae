// Package manifest turns a chip selection into an ordered list of firmware
// images, either from a firmware backend or from a zipped release.
package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"espflash/internal/config"
	"espflash/internal/firmware"
)

// Resolver produces the flash manifest for a chip.
type Resolver interface {
	Resolve(ctx context.Context, chip string) (firmware.Manifest, error)
}

// New builds the resolver selected by src. A nil client gets one with the
// configured timeout.
func New(src config.Source, client *http.Client) (Resolver, error) {
	if client == nil {
		client = &http.Client{Timeout: src.HTTPTimeout()}
	}

	switch src.Mode {
	case config.ModeRemote:
		return &RemoteResolver{
			BaseURL:     src.BackendURL,
			Client:      client,
			Sequential:  src.Sequential,
			MaxParallel: src.MaxParallel,
		}, nil
	case config.ModeArchive:
		return &ArchiveResolver{
			URL:      src.ArchiveURL,
			ProxyURL: src.ProxyURL,
			Client:   client,
		}, nil
	default:
		return nil, fmt.Errorf("unknown firmware source mode %q", src.Mode)
	}
}

// get performs a GET and returns the body of a 2xx response. For other
// statuses it returns the status code and a nil error.
func get(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}
