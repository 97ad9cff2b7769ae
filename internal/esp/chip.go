package esp

import (
	"fmt"
	"strconv"
	"strings"
)

// chipDetectMagicReg holds a per-family constant in every ESP32 ROM.
const chipDetectMagicReg = 0x40001000

// ChipType identifies the ESP32 family member on the other end of the port.
type ChipType int

const (
	ChipUnknown ChipType = iota
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C3
)

var chipMagics = map[uint32]ChipType{
	0x00f01d83: ChipESP32,
	0x000007c6: ChipESP32S2,
	0x00000009: ChipESP32S3,
	0x6921506f: ChipESP32C3,
	0x1b31506f: ChipESP32C3,
}

func (c ChipType) String() string {
	switch c {
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C3:
		return "ESP32-C3"
	default:
		return "Unknown"
	}
}

// ID is the lower-case identifier used by firmware backends, e.g. "esp32s3".
func (c ChipType) ID() string {
	return strings.ReplaceAll(strings.ToLower(c.String()), "-", "")
}

// bootloaderOffset is where the second stage bootloader image lives.
func (c ChipType) bootloaderOffset() uint32 {
	switch c {
	case ChipESP32, ChipESP32S2:
		return 0x1000
	default:
		return 0x0
	}
}

// flashBeginNeedsEncryptFlag reports whether the ROM expects a fifth word
// in FLASH_BEGIN and FLASH_DEFL_BEGIN.
func (c ChipType) flashBeginNeedsEncryptFlag() bool {
	return c != ChipESP32
}

func chipFromMagic(magic uint32) (ChipType, error) {
	if c, ok := chipMagics[magic]; ok {
		return c, nil
	}
	return ChipUnknown, fmt.Errorf("unsupported chip (magic 0x%08x)", magic)
}

// Image header encodings for the flash parameters in bytes 2 and 3.
var (
	flashModeCodes = map[string]byte{"qio": 0, "qout": 1, "dio": 2, "dout": 3}
	flashFreqCodes = map[string]byte{"40m": 0x0, "26m": 0x1, "20m": 0x2, "80m": 0xf}
	flashSizeCodes = map[string]byte{
		"1MB": 0x00, "2MB": 0x10, "4MB": 0x20, "8MB": 0x30,
		"16MB": 0x40, "32MB": 0x50, "64MB": 0x60, "128MB": 0x70,
	}
)

// flashSizeBytes converts "4MB" or "512KB" into a byte count.
func flashSizeBytes(size string) (uint32, error) {
	s := strings.ToUpper(strings.TrimSpace(size))
	mult := uint32(0)
	switch {
	case strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	default:
		return 0, fmt.Errorf("invalid flash size %q", size)
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid flash size %q", size)
	}
	return uint32(n) * mult, nil
}
