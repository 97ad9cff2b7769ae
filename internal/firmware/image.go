// Package firmware holds the flash layout types shared by the resolvers,
// the orchestrator and the device flasher.
package firmware

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Image is one firmware blob and the flash offset it is written to.
type Image struct {
	Address uint32
	Data    []byte
	// Name is the file or archive member the data came from. Informational only.
	Name string
}

// Manifest is an ordered set of images. Addresses are unique and, once
// Sort has run, ascending.
type Manifest []Image

// DuplicateAddressError reports two images targeting the same offset.
type DuplicateAddressError struct {
	Address uint32
	First   string
	Second  string
}

func (e *DuplicateAddressError) Error() string {
	return fmt.Sprintf("duplicate flash address 0x%X: %q and %q", e.Address, e.First, e.Second)
}

// Sort orders the images by ascending address.
func (m Manifest) Sort() {
	sort.SliceStable(m, func(i, j int) bool { return m[i].Address < m[j].Address })
}

// Validate checks that no two images share an address.
func (m Manifest) Validate() error {
	seen := make(map[uint32]string, len(m))
	for _, img := range m {
		if prev, ok := seen[img.Address]; ok {
			return &DuplicateAddressError{Address: img.Address, First: prev, Second: img.Name}
		}
		seen[img.Address] = img.Name
	}
	return nil
}

// TotalSize returns the sum of all image sizes in bytes.
func (m Manifest) TotalSize() int {
	total := 0
	for _, img := range m {
		total += len(img.Data)
	}
	return total
}

// ParseAddress parses a flash offset written in hex, with or without the
// 0x prefix, e.g. "0x8000" or "10000".
func ParseAddress(s string) (uint32, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	if v == "" {
		return 0, fmt.Errorf("invalid flash address %q", s)
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid flash address %q: %w", s, err)
	}
	return uint32(n), nil
}
