package filelog

import "hash/crc32"

func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func checksumValid(data []byte, sum uint32) bool {
	return checksum(data) == sum
}
