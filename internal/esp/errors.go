package esp

import "fmt"

var romErrors = map[byte]string{
	0x05: "received message is invalid",
	0x06: "failed to act on received message",
	0x07: "invalid CRC in message",
	0x08: "flash write error",
	0x09: "flash read error",
	0x0a: "flash read length error",
	0x0b: "deflate error",
}

// StatusError is a failure status reported by the ROM loader.
type StatusError struct {
	Op     byte
	Status byte
	Code   byte
}

func (e *StatusError) Error() string {
	reason, ok := romErrors[e.Code]
	if !ok {
		reason = fmt.Sprintf("unknown error 0x%02x", e.Code)
	}
	return fmt.Sprintf("command 0x%02x failed with status %d: %s", e.Op, e.Status, reason)
}
