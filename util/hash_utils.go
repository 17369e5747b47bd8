package util

import (
	"github.com/OneOfOne/xxhash"
)

// PageChecksum 页校验和，以页号为种子，可以发现写错位置的页
func PageChecksum(body []byte, pageID uint32) uint32 {
	return xxhash.Checksum32S(body, pageID)
}

// FrameChecksum 对多段数据连续计算64位校验和
func FrameChecksum(parts ...[]byte) uint64 {
	h := xxhash.New64()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}
