package esp

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"espflash/internal/firmware"
)

const (
	imageMagic = 0xe9
	// Offset of the hash_appended flag in the extended image header.
	imageHashAppendedOffset = 23
)

// patchImageHeader rewrites the flash mode, size and frequency of a
// bootloader image. Other images, and options left at keep, are returned
// unchanged. The data slice is never modified in place.
func patchImageHeader(chip ChipType, addr uint32, data []byte, opts firmware.Options) ([]byte, error) {
	if addr != chip.bootloaderOffset() || len(data) < 8 || data[0] != imageMagic {
		return data, nil
	}
	mode, size, freq := normalizeParam(opts.Mode), normalizeParam(opts.Size), normalizeParam(opts.Frequency)
	if mode == firmware.Keep && size == firmware.Keep && freq == firmware.Keep {
		return data, nil
	}

	out := make([]byte, len(data))
	copy(out, data)

	if mode != firmware.Keep {
		code, ok := flashModeCodes[strings.ToLower(mode)]
		if !ok {
			return nil, fmt.Errorf("unknown flash mode %q", opts.Mode)
		}
		out[2] = code
	}

	sizeFreq := out[3]
	if size != firmware.Keep {
		code, ok := flashSizeCodes[strings.ToUpper(size)]
		if !ok {
			return nil, fmt.Errorf("unknown flash size %q", opts.Size)
		}
		sizeFreq = code | (sizeFreq & 0x0f)
	}
	if freq != firmware.Keep {
		code, ok := flashFreqCodes[strings.ToLower(freq)]
		if !ok {
			return nil, fmt.Errorf("unknown flash frequency %q", opts.Frequency)
		}
		sizeFreq = (sizeFreq & 0xf0) | code
	}
	out[3] = sizeFreq

	if len(out) >= imageHashAppendedOffset+1+sha256.Size && out[imageHashAppendedOffset] == 1 {
		digest := sha256.Sum256(out[:len(out)-sha256.Size])
		copy(out[len(out)-sha256.Size:], digest[:])
	}

	return out, nil
}

// normalizeParam treats an empty option, and "detect" which needs a stub
// loader, as keep.
func normalizeParam(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", firmware.Keep, "detect":
		return firmware.Keep
	default:
		return v
	}
}
