package manifest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/golang/glog"

	"espflash/internal/firmware"
)

// DescriptorName is the flash layout file ESP-IDF writes next to the build
// artifacts.
const DescriptorName = "flasher_args.json"

// ArchiveResolver downloads a zipped release and reads its flash layout.
type ArchiveResolver struct {
	// URL of the archive; "{chip}" is replaced with the selected chip.
	URL string
	// ProxyURL is prefixed to URL, e.g. "https://proxy.example/?url=".
	ProxyURL string
	Client   *http.Client
}

type descriptor struct {
	FlashFiles map[string]string `json:"flash_files"`
}

type layoutEntry struct {
	offset  string
	address uint32
	path    string
}

// Resolve implements Resolver.
func (r *ArchiveResolver) Resolve(ctx context.Context, chip string) (firmware.Manifest, error) {
	archiveURL := r.ProxyURL + strings.ReplaceAll(r.URL, "{chip}", chip)
	glog.Infof("Downloading firmware archive %s", archiveURL)

	body, status, err := get(ctx, r.Client, archiveURL)
	if err != nil {
		return nil, &ArchiveFetchError{URL: archiveURL, Err: err}
	}
	if !isSuccess(status) {
		return nil, &ArchiveFetchError{URL: archiveURL, StatusCode: status}
	}

	images, err := ReadArchive(body)
	if err != nil {
		return nil, err
	}
	glog.Infof("Resolved %d images (%d bytes) from archive for %s", len(images), images.TotalSize(), chip)
	return images, nil
}

// ReadArchive extracts the images listed by the archive's flash layout
// descriptor, sorted by address.
func ReadArchive(data []byte) (firmware.Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ArchiveFormatError{Reason: "not a zip archive", Err: err}
	}

	members := make(map[string]*zip.File, len(zr.File))
	var desc *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := cleanMember(f.Name)
		members[name] = f
		if path.Base(name) == DescriptorName && (desc == nil || depth(name) < depth(cleanMember(desc.Name))) {
			desc = f
		}
	}
	if desc == nil {
		return nil, &ArchiveFormatError{Reason: DescriptorName + " not found"}
	}

	raw, err := readMember(desc)
	if err != nil {
		return nil, &ArchiveFormatError{Reason: "cannot read " + DescriptorName, Err: err}
	}
	var d descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &ArchiveFormatError{Reason: "malformed " + DescriptorName, Err: err}
	}
	if len(d.FlashFiles) == 0 {
		return nil, &ArchiveFormatError{Reason: DescriptorName + " lists no flash_files"}
	}

	entries := make([]layoutEntry, 0, len(d.FlashFiles))
	for offset, rel := range d.FlashFiles {
		addr, err := firmware.ParseAddress(offset)
		if err != nil {
			return nil, &ArchiveFormatError{Reason: "bad offset in " + DescriptorName, Err: err}
		}
		entries = append(entries, layoutEntry{offset: offset, address: addr, path: rel})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].address < entries[j].address })

	base := path.Dir(cleanMember(desc.Name))
	images := make(firmware.Manifest, 0, len(entries))
	for _, e := range entries {
		f, ok := members[cleanMember(path.Join(base, e.path))]
		if !ok {
			return nil, &MissingArchiveMemberError{Offset: e.offset, Path: e.path}
		}
		payload, err := readMember(f)
		if err != nil {
			return nil, &ArchiveFormatError{Reason: "cannot read " + e.path, Err: err}
		}
		images = append(images, firmware.Image{Address: e.address, Data: payload, Name: e.path})
	}

	if err := images.Validate(); err != nil {
		return nil, &ArchiveFormatError{Reason: "conflicting offsets in " + DescriptorName, Err: err}
	}
	return images, nil
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func cleanMember(name string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
}

func depth(name string) int {
	return strings.Count(name, "/")
}
