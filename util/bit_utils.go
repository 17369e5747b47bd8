package util

import (
	"strconv"
	"strings"
)

// IsBitSet 位图第i位是否置位
func IsBitSet(bitmap []byte, i int) bool {
	return bitmap[i>>3]&(1<<uint(i&7)) != 0
}

// SetBit 置位
func SetBit(bitmap []byte, i int) {
	bitmap[i>>3] |= 1 << uint(i&7)
}

// ClearBit 清位
func ClearBit(bitmap []byte, i int) {
	bitmap[i>>3] &^= 1 << uint(i&7)
}

// ToBinaryString 按位输出一个字节，低位在前，与位图的页序一致
func ToBinaryString(data byte) string {
	result := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		result = append(result, strconv.Itoa(int((data>>uint(i))&1)))
	}
	return strings.Join(result, "")
}
