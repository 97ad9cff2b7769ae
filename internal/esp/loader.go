// Package esp talks to the ROM serial bootloader of ESP32-family chips:
// SLIP framing, sync, chip detection and flash writes.
package esp

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/internal/firmware"
)

const syncAttempts = 5

// Loader drives the ROM bootloader over a serial connection.
type Loader struct {
	conn     Conn
	romBaud  int
	baudRate int
	log      func(string)
	sleep    func(time.Duration)

	rx   []byte
	chip ChipType
	// compressedPending is set once a compressed write has begun; the ROM
	// then expects FLASH_DEFL_END rather than FLASH_END.
	compressedPending bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithBaudRate sets the rate switched to after the handshake.
func WithBaudRate(baud int) Option {
	return func(l *Loader) { l.baudRate = baud }
}

// WithROMBaudRate sets the rate the port was opened at.
func WithROMBaudRate(baud int) Option {
	return func(l *Loader) { l.romBaud = baud }
}

// WithLog routes operator-facing messages to fn.
func WithLog(fn func(string)) Option {
	return func(l *Loader) { l.log = fn }
}

// NewLoader binds a loader to an open connection.
func NewLoader(conn Conn, opts ...Option) *Loader {
	l := &Loader{
		conn:     conn,
		romBaud:  115200,
		baudRate: 115200,
		sleep:    time.Sleep,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loader) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	glog.V(1).Info(msg)
	if l.log != nil {
		l.log(msg)
	}
}

// Chip returns the detected chip, ChipUnknown before Connect.
func (l *Loader) Chip() ChipType { return l.chip }

// ChipName returns the detected chip name.
func (l *Loader) ChipName() string { return l.chip.String() }

// Connect resets the chip into download mode, syncs, identifies the chip,
// attaches the SPI flash and switches to the configured baud rate.
func (l *Loader) Connect(ctx context.Context) error {
	if err := l.enterBootloader(ctx); err != nil {
		return err
	}

	magic, err := l.readReg(chipDetectMagicReg)
	if err != nil {
		return errors.Annotate(err, "chip detection failed")
	}
	chip, err := chipFromMagic(magic)
	if err != nil {
		return errors.Trace(err)
	}
	l.chip = chip
	l.logf("Chip is %s", chip)

	if err := l.spiAttach(); err != nil {
		return errors.Annotate(err, "SPI attach failed")
	}

	if l.baudRate != l.romBaud {
		if err := l.changeBaudRate(l.baudRate); err != nil {
			return errors.Annotate(err, "baud rate change failed")
		}
	}
	return nil
}

func (l *Loader) enterBootloader(ctx context.Context) error {
	l.logf("Entering download mode...")
	_ = l.conn.ResetInputBuffer()

	for _, rs := range bootloaderResets {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		glog.V(1).Infof("Trying %s reset", rs.name)
		if err := runSteps(l.conn, l.sleep, rs.steps); err != nil {
			return errors.Annotatef(err, "%s reset", rs.name)
		}
		if l.sync() == nil {
			l.logf("Synced with ROM loader (%s reset)", rs.name)
			return nil
		}
	}

	// The chip may already be waiting in download mode, put there by hand.
	if err := l.sync(); err == nil {
		l.logf("Synced with ROM loader")
		return nil
	}
	return errors.New("failed to connect: no response from ROM loader; hold BOOT while pressing RESET and retry")
}

func (l *Loader) sync() error {
	_ = l.conn.ResetInputBuffer()
	l.rx = l.rx[:0]

	for i := 0; i < syncAttempts; i++ {
		if _, err := l.command(cmdSync, syncPayload(), 0, syncTimeout); err == nil {
			l.drain(syncTimeout)
			return nil
		}
	}
	return errors.New("sync failed")
}

// drain discards the extra SYNC replies the ROM sends.
func (l *Loader) drain(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if _, err := l.readFrame(time.Until(deadline)); err != nil {
			break
		}
	}
	l.rx = l.rx[:0]
}

func (l *Loader) readReg(addr uint32) (uint32, error) {
	resp, err := l.command(cmdReadReg, le32(addr), 0, defaultTimeout)
	if err != nil {
		return 0, err
	}
	return resp.value, nil
}

func (l *Loader) spiAttach() error {
	// hspi_arg 0 selects the default SPI pins, followed by is_legacy and padding.
	_, err := l.command(cmdSpiAttach, le32(0, 0), 0, defaultTimeout)
	return err
}

func (l *Loader) spiSetParams(size uint32) error {
	data := le32(0, size, flashBlockSize, flashSectorSize, flashPageSize, 0xffff)
	_, err := l.command(cmdSpiSetParams, data, 0, defaultTimeout)
	return err
}

// changeBaudRate asks the ROM to switch rates, then follows on our side.
func (l *Loader) changeBaudRate(baud int) error {
	l.logf("Changing baud rate to %d", baud)
	if _, err := l.command(cmdChangeBaudrate, le32(uint32(baud), 0), 0, defaultTimeout); err != nil {
		return err
	}
	if err := l.conn.SetMode(serialMode(baud)); err != nil {
		return errors.Annotate(err, "failed to reconfigure port")
	}
	l.sleep(50 * time.Millisecond)
	_ = l.conn.ResetInputBuffer()
	l.rx = l.rx[:0]
	return nil
}

// WriteFlash writes every image in order. Progress is reported per file
// as bytes sent over the wire against the file's total.
func (l *Loader) WriteFlash(ctx context.Context, req firmware.WriteRequest) error {
	if l.chip == ChipUnknown {
		return errors.New("not connected")
	}
	opts := req.Options

	if size := normalizeParam(opts.Size); size != firmware.Keep {
		n, err := flashSizeBytes(size)
		if err != nil {
			return errors.Trace(err)
		}
		if err := l.spiSetParams(n); err != nil {
			return errors.Annotate(err, "failed to set flash parameters")
		}
	}

	if opts.EraseAll {
		if err := l.eraseAll(opts.Size); err != nil {
			return err
		}
	}

	for i, img := range req.Images {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		data, err := patchImageHeader(l.chip, img.Address, img.Data, opts)
		if err != nil {
			return errors.Annotatef(err, "%s", img.Name)
		}
		data = padTo(data, 4, 0xff)

		progress := func(written, total int) {
			if req.OnProgress != nil {
				req.OnProgress(i, written, total)
			}
		}

		l.logf("Writing %s: %d bytes at 0x%08x", displayName(img), len(data), img.Address)
		start := time.Now()
		if opts.Compress {
			err = l.writeCompressed(img.Address, data, progress)
		} else {
			err = l.writePlain(img.Address, data, progress)
		}
		if err != nil {
			return errors.Annotatef(err, "writing %s at 0x%08x", displayName(img), img.Address)
		}
		l.logf("Wrote %d bytes at 0x%08x in %.1fs", len(data), img.Address, time.Since(start).Seconds())

		if opts.Verify {
			if err := l.verify(img.Address, data); err != nil {
				return errors.Annotatef(err, "verifying %s", displayName(img))
			}
			l.logf("Hash of data verified")
		}
	}
	return nil
}

func (l *Loader) eraseAll(size string) error {
	if normalizeParam(size) == firmware.Keep {
		return errors.New("erasing the whole chip needs an explicit flash size")
	}
	n, err := flashSizeBytes(size)
	if err != nil {
		return errors.Trace(err)
	}
	l.logf("Erasing flash (%d bytes), this may take a while...", n)
	data := le32(n, 0, flashWriteSize, 0)
	if l.chip.flashBeginNeedsEncryptFlag() {
		data = append(data, le32(0)...)
	}
	if _, err := l.command(cmdFlashBegin, data, 0, timeoutPerMB(eraseRegionPerMB, int(n))); err != nil {
		return errors.Annotate(err, "chip erase failed")
	}
	return nil
}

func (l *Loader) writePlain(addr uint32, data []byte, progress func(int, int)) error {
	numBlocks := (len(data) + flashWriteSize - 1) / flashWriteSize
	eraseSize := uint32((len(data) + flashSectorSize - 1) / flashSectorSize * flashSectorSize)

	begin := le32(eraseSize, uint32(numBlocks), flashWriteSize, addr)
	if l.chip.flashBeginNeedsEncryptFlag() {
		begin = append(begin, le32(0)...)
	}
	if _, err := l.command(cmdFlashBegin, begin, 0, timeoutPerMB(eraseRegionPerMB, len(data))); err != nil {
		return errors.Annotate(err, "flash begin failed")
	}

	progress(0, len(data))
	for seq := 0; seq < numBlocks; seq++ {
		start := seq * flashWriteSize
		end := min(start+flashWriteSize, len(data))

		block := bytes.Repeat([]byte{0xff}, flashWriteSize)
		copy(block, data[start:end])

		if _, err := l.command(cmdFlashData, dataPacket(block, uint32(seq)), calculateChecksum(block), timeoutPerMB(eraseWritePerMB, flashWriteSize)); err != nil {
			return errors.Annotatef(err, "flash data failed at block %d/%d", seq+1, numBlocks)
		}
		progress(end, len(data))
	}
	return nil
}

func (l *Loader) writeCompressed(addr uint32, data []byte, progress func(int, int)) error {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := zw.Write(data); err != nil {
		return errors.Trace(err)
	}
	if err := zw.Close(); err != nil {
		return errors.Trace(err)
	}
	compressed := buf.Bytes()

	numBlocks := (len(compressed) + flashWriteSize - 1) / flashWriteSize
	eraseBlocks := (len(data) + flashWriteSize - 1) / flashWriteSize
	// The ROM erases up front, so it wants the uncompressed size rounded to blocks.
	writeSize := uint32(eraseBlocks * flashWriteSize)

	begin := le32(writeSize, uint32(numBlocks), flashWriteSize, addr)
	if l.chip.flashBeginNeedsEncryptFlag() {
		begin = append(begin, le32(0)...)
	}
	if _, err := l.command(cmdFlashDeflBegin, begin, 0, timeoutPerMB(eraseRegionPerMB, int(writeSize))); err != nil {
		return errors.Annotate(err, "compressed flash begin failed")
	}
	glog.V(1).Infof("Compressed %d bytes to %d", len(data), len(compressed))

	ratio := float64(len(data)) / float64(len(compressed))
	progress(0, len(compressed))
	for seq := 0; seq < numBlocks; seq++ {
		start := seq * flashWriteSize
		end := min(start+flashWriteSize, len(compressed))
		block := compressed[start:end]

		timeout := timeoutPerMB(eraseWritePerMB, int(float64(len(block))*ratio))
		if _, err := l.command(cmdFlashDeflData, dataPacket(block, uint32(seq)), calculateChecksum(block), timeout); err != nil {
			return errors.Annotatef(err, "compressed flash data failed at block %d/%d", seq+1, numBlocks)
		}
		progress(end, len(compressed))
	}
	l.compressedPending = true
	return nil
}

func (l *Loader) verify(addr uint32, data []byte) error {
	resp, err := l.command(cmdSpiFlashMD5, le32(addr, uint32(len(data)), 0, 0), 0, timeoutPerMB(md5PerMB, len(data)))
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	want := hex.EncodeToString(sum[:])

	got := resp.payload()
	var actual string
	switch len(got) {
	case 32:
		actual = strings.ToLower(string(got))
	case 16:
		actual = hex.EncodeToString(got)
	default:
		return errors.Errorf("unexpected MD5 response length %d", len(got))
	}
	if actual != want {
		return errors.Errorf("MD5 mismatch: expected %s, got %s", want, actual)
	}
	return nil
}

// HardReset leaves the loader and reboots into the application: FLASH_END
// with the reboot flag, then an EN pulse for ROMs that ignore it.
func (l *Loader) HardReset(ctx context.Context) error {
	l.logf("Hard resetting via RTS pin...")
	op := byte(cmdFlashEnd)
	if l.compressedPending {
		op = cmdFlashDeflEnd
	}
	if l.chip != ChipUnknown {
		if _, err := l.command(op, le32(0), 0, 500*time.Millisecond); err != nil {
			glog.V(1).Infof("FLASH_END before reset not acknowledged: %v", err)
		}
	}
	l.compressedPending = false
	return runSteps(l.conn, l.sleep, hardResetSteps)
}

// command sends one request and waits for the matching response.
func (l *Loader) command(op byte, data []byte, checksum uint32, timeout time.Duration) (*response, error) {
	packet := slipEncode(encodeRequest(op, data, checksum))
	glog.V(2).Infof("-> op=0x%02x len=%d", op, len(data))
	if _, err := l.conn.Write(packet); err != nil {
		return nil, errors.Annotatef(err, "write command 0x%02x", op)
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Errorf("timeout waiting for response to command 0x%02x", op)
		}
		frame, err := l.readFrame(remaining)
		if err != nil {
			return nil, errors.Annotatef(err, "command 0x%02x", op)
		}
		resp, err := decodeResponse(frame)
		if err != nil {
			glog.V(2).Infof("Ignoring frame: %v", err)
			continue
		}
		if resp.op != op {
			glog.V(2).Infof("Ignoring response to 0x%02x while waiting for 0x%02x", resp.op, op)
			continue
		}
		glog.V(2).Infof("<- op=0x%02x value=0x%08x len=%d", resp.op, resp.value, len(resp.data))
		if status, code := resp.status(); status != 0 {
			return nil, &StatusError{Op: op, Status: status, Code: code}
		}
		return resp, nil
	}
}

// readFrame returns the next decoded SLIP frame received within timeout.
func (l *Loader) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		frame, rest, ok := extractFrame(l.rx)
		var decoded []byte
		var decodeErr error
		if ok {
			decoded, decodeErr = slipDecode(frame)
		}
		l.rx = append(l.rx[:0], rest...)
		if ok {
			if decodeErr != nil {
				glog.V(2).Infof("Dropping bad frame: %v", decodeErr)
				continue
			}
			return decoded, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New("timeout")
		}
		if err := l.conn.SetReadTimeout(min(remaining, frameReadPollInterval)); err != nil {
			return nil, errors.Trace(err)
		}
		n, err := l.conn.Read(chunk)
		if err != nil {
			return nil, errors.Annotate(err, "serial read")
		}
		l.rx = append(l.rx, chunk[:n]...)
	}
}

func padTo(data []byte, alignment int, fill byte) []byte {
	if rem := len(data) % alignment; rem != 0 {
		padded := make([]byte, len(data), len(data)+alignment-rem)
		copy(padded, data)
		return append(padded, bytes.Repeat([]byte{fill}, alignment-rem)...)
	}
	return data
}

func displayName(img firmware.Image) string {
	if img.Name != "" {
		return img.Name
	}
	return fmt.Sprintf("image@0x%x", img.Address)
}
