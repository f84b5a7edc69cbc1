package gcache

import "hash/crc32"

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crc32c computes the CRC32C (Castagnoli) checksum of b.
func crc32c(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}
