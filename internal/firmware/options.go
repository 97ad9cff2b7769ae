package firmware

// Keep leaves the corresponding image header field untouched.
const Keep = "keep"

// Options control how images are written. They are handed to the device
// flasher as is.
type Options struct {
	// Mode is the SPI flash bus mode: qio, qout, dio, dout or keep.
	Mode string `json:"mode"`
	// Size is the declared flash capacity ("4MB") or keep.
	Size string `json:"size"`
	// Frequency is the SPI clock ("40m", "80m") or keep.
	Frequency string `json:"frequency"`
	EraseAll  bool   `json:"eraseAll"`
	Compress  bool   `json:"compress"`
	// Verify reads back an MD5 of every written region.
	Verify bool `json:"verify"`
}

// DefaultOptions keeps every header field and compresses writes.
func DefaultOptions() Options {
	return Options{
		Mode:      Keep,
		Size:      Keep,
		Frequency: Keep,
		EraseAll:  false,
		Compress:  true,
	}
}

// ProgressFunc receives the index of the file being written, the bytes
// written so far and the file's total.
type ProgressFunc func(fileIndex, written, total int)

// WriteRequest is everything the device flasher needs for one write.
type WriteRequest struct {
	Images     Manifest
	Options    Options
	OnProgress ProgressFunc
}
