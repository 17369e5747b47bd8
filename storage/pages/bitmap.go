package pages

import (
	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/util"
)

// PagesPerBitmap 一个位图页覆盖的页数
const PagesPerBitmap = basic.PagePayloadSize * 8

// BitmapGroup 页所在的位图组
func BitmapGroup(id basic.PageId) uint32 {
	return uint32(id) / PagesPerBitmap
}

// BitmapPageOf 管理该页的位图页号
func BitmapPageOf(id basic.PageId) basic.PageId {
	return BitmapPageForGroup(BitmapGroup(id))
}

// BitmapPageForGroup 第g组的位图页号，0组在1号页，其余在组首页
func BitmapPageForGroup(g uint32) basic.PageId {
	if g == 0 {
		return BitmapPageId
	}
	return basic.PageId(g * PagesPerBitmap)
}

// IsBitmapPage 是否为位图页
func IsBitmapPage(id basic.PageId) bool {
	return id == BitmapPageId || (id != 0 && uint32(id)%PagesPerBitmap == 0)
}

// IsReserved 元数据页和位图页不参与分配
func IsReserved(id basic.PageId) bool {
	return id == MetaPageId || IsBitmapPage(id)
}

// BitmapUsed 页是否被标记为已用
func BitmapUsed(p []byte, id basic.PageId) bool {
	return util.IsBitSet(Payload(p), int(uint32(id)%PagesPerBitmap))
}

// BitmapMark 标记页的使用状态
func BitmapMark(p []byte, id basic.PageId, used bool) {
	if used {
		util.SetBit(Payload(p), int(uint32(id)%PagesPerBitmap))
	} else {
		util.ClearBit(Payload(p), int(uint32(id)%PagesPerBitmap))
	}
}
