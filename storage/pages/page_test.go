package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

func TestSealVerify(t *testing.T) {
	t.Run("正常校验", func(t *testing.T) {
		p := New(PageTypeLeaf)
		copy(Payload(p), "hello")
		Seal(p, 9)
		require.NoError(t, Verify(p, 9))
		assert.Equal(t, PageTypeLeaf, Type(p))
	})

	t.Run("位翻转", func(t *testing.T) {
		p := New(PageTypeLeaf)
		Seal(p, 9)
		p[100] ^= 0x01
		assert.True(t, basic.IsCorruption(Verify(p, 9)))
	})

	t.Run("写错位置", func(t *testing.T) {
		p := New(PageTypeOverflow)
		Seal(p, 9)
		assert.True(t, basic.IsCorruption(Verify(p, 10)))
	})

	t.Run("全零页", func(t *testing.T) {
		assert.True(t, basic.IsCorruption(Verify(make([]byte, basic.PageSize), 5)))
	})
}

func TestMeta(t *testing.T) {
	m := &Meta{
		Flags:        MetaFlagLargeValues,
		Root:         2,
		PageCount:    3,
		TxID:         42,
		WalSalt:      7,
		MaxValueSize: basic.DefaultExtentValueCeiling,
		Compression:  1,
		FreeListHead: BitmapPageId,
	}
	p := make([]byte, basic.PageSize)
	m.Encode(p)
	Seal(p, MetaPageId)
	require.NoError(t, Verify(p, MetaPageId))

	got, err := DecodeMeta(p)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.True(t, got.LargeValues())

	t.Run("根页越界", func(t *testing.T) {
		bad := *m
		bad.Root = 9
		bad.Encode(p)
		_, err := DecodeMeta(p)
		assert.True(t, basic.IsCorruption(err))
	})

	t.Run("魔数错误", func(t *testing.T) {
		m.Encode(p)
		p[offMagic] = 'Y'
		_, err := DecodeMeta(p)
		assert.True(t, basic.IsCorruption(err))
	})
}

func TestBitmapGeometry(t *testing.T) {
	assert.Equal(t, BitmapPageId, BitmapPageOf(2))
	assert.Equal(t, BitmapPageId, BitmapPageOf(PagesPerBitmap-1))
	assert.Equal(t, basic.PageId(PagesPerBitmap), BitmapPageOf(PagesPerBitmap))
	assert.Equal(t, basic.PageId(PagesPerBitmap), BitmapPageOf(PagesPerBitmap+5))
	assert.True(t, IsReserved(0))
	assert.True(t, IsReserved(1))
	assert.True(t, IsReserved(2*PagesPerBitmap))
	assert.False(t, IsReserved(2))

	p := New(PageTypeBitmap)
	BitmapMark(p, 7, true)
	assert.True(t, BitmapUsed(p, 7))
	assert.False(t, BitmapUsed(p, 8))
	BitmapMark(p, 7, false)
	assert.False(t, BitmapUsed(p, 7))
}
