package journal

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum 計算紀錄的 CRC32-IEEE 校驗和（seq 與事件內容）
func Checksum(seq uint64, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := crc32.NewIEEE()
	h.Write(buf[:])
	h.Write(payload)
	return h.Sum32()
}

// Verify 驗證紀錄的校驗和
func Verify(rec Record) bool {
	return rec.Checksum == Checksum(rec.Seq, rec.Payload)
}
