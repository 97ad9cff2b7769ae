package esp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// ROM loader commands.
const (
	cmdFlashBegin     = 0x02
	cmdFlashData      = 0x03
	cmdFlashEnd       = 0x04
	cmdSync           = 0x08
	cmdReadReg        = 0x0a
	cmdSpiSetParams   = 0x0b
	cmdSpiAttach      = 0x0d
	cmdChangeBaudrate = 0x0f
	cmdFlashDeflBegin = 0x10
	cmdFlashDeflData  = 0x11
	cmdFlashDeflEnd   = 0x12
	cmdSpiFlashMD5    = 0x13
)

// SLIP framing.
const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd
)

// Flash geometry.
const (
	flashSectorSize = 4096
	flashBlockSize  = 65536
	flashPageSize   = 256
	flashWriteSize  = 0x400

	checksumMagic = 0xef
)

// Timeouts, scaled by payload size where the ROM does real work.
const (
	defaultTimeout        = 3 * time.Second
	syncTimeout           = 200 * time.Millisecond
	eraseRegionPerMB      = 30 * time.Second
	eraseWritePerMB       = 40 * time.Second
	md5PerMB              = 8 * time.Second
	frameReadPollInterval = 100 * time.Millisecond
)

func timeoutPerMB(perMB time.Duration, size int) time.Duration {
	t := time.Duration(float64(perMB) * float64(size) / 1e6)
	if t < defaultTimeout {
		return defaultTimeout
	}
	return t
}

// slipEncode wraps data in a SLIP frame.
func slipEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(slipEnd)

	for _, b := range data {
		switch b {
		case slipEnd:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEnd)
		case slipEsc:
			buf.WriteByte(slipEsc)
			buf.WriteByte(slipEscEsc)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(slipEnd)
	return buf.Bytes()
}

// slipDecode unescapes the body of a frame, without its delimiters.
func slipDecode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	escaped := false

	for _, b := range data {
		if escaped {
			switch b {
			case slipEscEnd:
				buf.WriteByte(slipEnd)
			case slipEscEsc:
				buf.WriteByte(slipEsc)
			default:
				return nil, fmt.Errorf("invalid SLIP escape 0x%02x", b)
			}
			escaped = false
			continue
		}
		if b == slipEsc {
			escaped = true
			continue
		}
		buf.WriteByte(b)
	}
	if escaped {
		return nil, fmt.Errorf("truncated SLIP escape")
	}

	return buf.Bytes(), nil
}

// extractFrame returns the first complete frame body in buf and the bytes
// left after it. Anything before the opening delimiter is boot log noise.
func extractFrame(buf []byte) (frame, rest []byte, ok bool) {
	for {
		start := bytes.IndexByte(buf, slipEnd)
		if start < 0 {
			return nil, nil, false
		}
		buf = buf[start+1:]
		end := bytes.IndexByte(buf, slipEnd)
		if end < 0 {
			// Keep the opening delimiter so the frame can complete later.
			return nil, append([]byte{slipEnd}, buf...), false
		}
		if end == 0 {
			// Back-to-back delimiters: the second one opens the frame.
			continue
		}
		return buf[:end], buf[end+1:], true
	}
}

// encodeRequest builds a command packet.
func encodeRequest(op byte, data []byte, checksum uint32) []byte {
	packet := make([]byte, 8+len(data))
	packet[0] = 0x00 // direction: request
	packet[1] = op
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], checksum)
	copy(packet[8:], data)
	return packet
}

type response struct {
	op    byte
	value uint32
	data  []byte
}

func decodeResponse(packet []byte) (*response, error) {
	if len(packet) < 8 {
		return nil, fmt.Errorf("short response (%d bytes)", len(packet))
	}
	if packet[0] != 0x01 {
		return nil, fmt.Errorf("unexpected direction byte 0x%02x", packet[0])
	}
	size := int(binary.LittleEndian.Uint16(packet[2:4]))
	if len(packet) < 8+size {
		return nil, fmt.Errorf("response truncated: want %d data bytes, have %d", size, len(packet)-8)
	}
	return &response{
		op:    packet[1],
		value: binary.LittleEndian.Uint32(packet[4:8]),
		data:  packet[8 : 8+size],
	}, nil
}

// status returns the status and error bytes. The ROM loaders of the ESP32
// family append four status bytes, older loaders two.
func (r *response) status() (status, code byte) {
	switch {
	case len(r.data) >= 4:
		return r.data[len(r.data)-4], r.data[len(r.data)-3]
	case len(r.data) >= 2:
		return r.data[len(r.data)-2], r.data[len(r.data)-1]
	default:
		return 0, 0
	}
}

// payload returns the response data without the status bytes.
func (r *response) payload() []byte {
	if len(r.data) < 4 {
		return nil
	}
	return r.data[:len(r.data)-4]
}

// calculateChecksum is the XOR checksum the ROM expects for data packets.
func calculateChecksum(data []byte) uint32 {
	checksum := uint32(checksumMagic)
	for _, b := range data {
		checksum ^= uint32(b)
	}
	return checksum & 0xff
}

func syncPayload() []byte {
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	return data
}

func le32(values ...uint32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return buf
}

// dataPacket prefixes a flash or memory data block with its header.
func dataPacket(block []byte, seq uint32) []byte {
	return append(le32(uint32(len(block)), seq, 0, 0), block...)
}
