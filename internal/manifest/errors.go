package manifest

import (
	"fmt"
)

// ManifestFetchError indicates the backend manifest could not be obtained or
// was not a usable manifest.
type ManifestFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ManifestFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch manifest %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to fetch manifest %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *ManifestFetchError) Unwrap() error { return e.Err }

// AssetFetchError indicates a single firmware file download failed.
type AssetFetchError struct {
	File       string
	URL        string
	StatusCode int
	Err        error
}

func (e *AssetFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("failed to download %s: HTTP %d", e.File, e.StatusCode)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// ArchiveFetchError indicates the release archive download failed.
type ArchiveFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ArchiveFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download archive %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to download archive %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *ArchiveFetchError) Unwrap() error { return e.Err }

// ArchiveFormatError indicates the archive or its flash layout descriptor
// is unreadable.
type ArchiveFormatError struct {
	Reason string
	Err    error
}

func (e *ArchiveFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid firmware archive: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid firmware archive: %s", e.Reason)
}

func (e *ArchiveFormatError) Unwrap() error { return e.Err }

// MissingArchiveMemberError indicates the descriptor references a file the
// archive does not contain.
type MissingArchiveMemberError struct {
	Offset string
	Path   string
}

func (e *MissingArchiveMemberError) Error() string {
	return fmt.Sprintf("archive has no member %q for offset %s", e.Path, e.Offset)
}
