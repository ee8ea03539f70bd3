package classifier

import (
	"encoding/binary"
	"hash/crc32"
)

// reseal recomputes the checksum trailer after a test edits the body
func reseal(data []byte) []byte {
	out := append([]byte(nil), data...)
	body := out[:len(out)-4]
	binary.LittleEndian.PutUint32(out[len(out)-4:], crc32.ChecksumIEEE(body))
	return out
}
