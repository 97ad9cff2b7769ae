package esp

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const fakeFlashSize = 0x40000

// fakeROM emulates enough of the ESP32 ROM loader to run a Loader against.
type fakeROM struct {
	mu sync.Mutex

	magic uint32
	// deafSyncs is the number of SYNC commands to ignore.
	deafSyncs int
	// failOp makes the given command fail with failCode.
	failOp   byte
	failCode byte
	// bootNoise is emitted before the first response.
	bootNoise []byte

	in  []byte
	out []byte

	ops   []byte
	bauds []int
	dtr   []bool
	rts   []bool

	flash     []byte
	writeAddr uint32
	zbuf      bytes.Buffer
}

func newFakeROM(magic uint32) *fakeROM {
	return &fakeROM{
		magic: magic,
		flash: bytes.Repeat([]byte{0xff}, fakeFlashSize),
	}
}

func (f *fakeROM) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.out) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.out)
	f.out = f.out[n:]
	f.mu.Unlock()
	return n, nil
}

func (f *fakeROM) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, p...)
	for {
		frame, rest, ok := extractFrame(f.in)
		if !ok {
			break
		}
		body, err := slipDecode(frame)
		f.in = append([]byte(nil), rest...)
		if err != nil {
			continue
		}
		f.handle(body)
	}
	return len(p), nil
}

func (f *fakeROM) SetDTR(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtr = append(f.dtr, v)
	return nil
}

func (f *fakeROM) SetRTS(v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rts = append(f.rts, v)
	return nil
}

func (f *fakeROM) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeROM) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = f.out[:0]
	return nil
}

func (f *fakeROM) SetMode(m *serial.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bauds = append(f.bauds, m.BaudRate)
	return nil
}

func (f *fakeROM) opCount(op byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (f *fakeROM) reply(op byte, value uint32, payload []byte, status, code byte) {
	data := append(append([]byte(nil), payload...), status, code, 0, 0)
	pkt := make([]byte, 8, 8+len(data))
	pkt[0] = 0x01
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	pkt = append(pkt, data...)
	if f.bootNoise != nil {
		f.out = append(f.out, f.bootNoise...)
		f.bootNoise = nil
	}
	f.out = append(f.out, slipEncode(pkt)...)
}

func (f *fakeROM) handle(req []byte) {
	if len(req) < 8 || req[0] != 0x00 {
		return
	}
	op := req[1]
	checksum := binary.LittleEndian.Uint32(req[4:8])
	data := req[8:]
	f.ops = append(f.ops, op)

	if op == f.failOp {
		f.reply(op, 0, nil, 1, f.failCode)
		return
	}

	switch op {
	case cmdSync:
		if f.deafSyncs > 0 {
			f.deafSyncs--
			return
		}
		for i := 0; i < 3; i++ {
			f.reply(op, 0x20120707, nil, 0, 0)
		}
		return
	case cmdReadReg:
		f.reply(op, f.magic, nil, 0, 0)
		return
	case cmdFlashBegin, cmdFlashDeflBegin:
		f.writeAddr = binary.LittleEndian.Uint32(data[12:16])
		f.zbuf.Reset()
	case cmdFlashData, cmdFlashDeflData:
		size := binary.LittleEndian.Uint32(data[0:4])
		seq := binary.LittleEndian.Uint32(data[4:8])
		block := data[16 : 16+size]
		if calculateChecksum(block) != checksum {
			f.reply(op, 0, nil, 1, 0x07)
			return
		}
		if op == cmdFlashData {
			copy(f.flash[f.writeAddr+seq*flashWriteSize:], block)
		} else {
			f.zbuf.Write(block)
			f.inflate()
		}
	case cmdSpiFlashMD5:
		addr := binary.LittleEndian.Uint32(data[0:4])
		size := binary.LittleEndian.Uint32(data[4:8])
		sum := md5.Sum(f.flash[addr : addr+size])
		f.reply(op, 0, []byte(hex.EncodeToString(sum[:])), 0, 0)
		return
	}
	f.reply(op, 0, nil, 0, 0)
}

// inflate writes the compressed stream to flash once it is complete.
func (f *fakeROM) inflate() {
	zr, err := zlib.NewReader(bytes.NewReader(f.zbuf.Bytes()))
	if err != nil {
		return
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return
	}
	copy(f.flash[f.writeAddr:], out)
}
