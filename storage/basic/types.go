package basic

import "fmt"

const (
	PageSize        = 4096
	PageHeaderSize  = 8
	PagePayloadSize = PageSize - PageHeaderSize

	MaxKeySize = 1024
	// TableIDSize 树中每个键前的表号长度
	TableIDSize = 4

	// DefaultExtentValueCeiling 大值模式下默认的值上限(1.5 MiB)
	DefaultExtentValueCeiling = 3 << 19
)

// PageId 页号，0号页为元数据页，同时作为空引用
type PageId uint32

const NilPage PageId = 0

// Extent 连续的页区间
type Extent struct {
	Start PageId
	Count uint32
}

// End 返回区间之后的第一个页号
func (e Extent) End() PageId {
	return e.Start + PageId(e.Count)
}

// Contains 判断页号是否落在区间内
func (e Extent) Contains(id PageId) bool {
	return id >= e.Start && id < e.End()
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,+%d)", e.Start, e.Count)
}

// PagesFor 存放n字节需要的页数
func PagesFor(n int) uint32 {
	if n <= 0 {
		return 1
	}
	return uint32((n + PagePayloadSize - 1) / PagePayloadSize)
}
