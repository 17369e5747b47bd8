package device

import (
	"errors"
	"io"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv/storage/basic"
)

func page(b byte) []byte {
	p := make([]byte, basic.PageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.xkv")
	dev, err := OpenFileDevice(path)
	require.NoError(t, err)
	defer dev.Close()

	t.Run("扩展与读写", func(t *testing.T) {
		first, err := dev.Extend(3)
		require.NoError(t, err)
		assert.Equal(t, basic.PageId(0), first)
		assert.Equal(t, uint32(3), dev.PageCount())

		require.NoError(t, dev.WritePage(2, page(0xAB)))
		buf := make([]byte, basic.PageSize)
		require.NoError(t, dev.ReadPage(2, buf))
		assert.Equal(t, page(0xAB), buf)
		assert.Equal(t, uint64(1), dev.Writes())
		require.NoError(t, dev.Flush())
	})

	t.Run("越界读取", func(t *testing.T) {
		buf := make([]byte, basic.PageSize)
		err := dev.ReadPage(10, buf)
		assert.True(t, basic.IsIOError(err))
	})

	t.Run("截断后重新打开", func(t *testing.T) {
		require.NoError(t, dev.Truncate(2))
		assert.Equal(t, uint32(2), dev.PageCount())
		again, err := OpenFileDevice(path)
		require.NoError(t, err)
		defer again.Close()
		assert.Equal(t, uint32(2), again.PageCount())
	})
}

func TestFileDeviceLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock not available")
	}
	path := filepath.Join(t.TempDir(), "lock.xkv")
	a, err := OpenFileDevice(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenFileDevice(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Lock())
	err = b.Lock()
	assert.True(t, errors.Is(err, basic.ErrLocked))
	require.NoError(t, a.Unlock())
	assert.NoError(t, b.Lock())
}

func TestMemDevice(t *testing.T) {
	t.Run("页数上限", func(t *testing.T) {
		dev := NewMemDevice(4)
		_, err := dev.Extend(3)
		require.NoError(t, err)
		_, err = dev.Extend(2)
		assert.True(t, basic.IsOutOfSpace(err))
		assert.Equal(t, uint32(3), dev.PageCount())
	})

	t.Run("写故障注入", func(t *testing.T) {
		dev := NewMemDevice(0)
		dev.FailAfter(1)
		require.NoError(t, dev.WritePage(0, page(1)))
		err := dev.WritePage(1, page(2))
		assert.True(t, basic.IsIOError(err))
		assert.True(t, errors.Is(err, ErrInjected))
	})

	t.Run("克隆互不影响", func(t *testing.T) {
		dev := NewMemDevice(0)
		require.NoError(t, dev.WritePage(0, page(1)))
		require.NoError(t, dev.Lock())
		c := dev.Clone()
		require.NoError(t, dev.WritePage(0, page(2)))
		buf := make([]byte, basic.PageSize)
		require.NoError(t, c.ReadPage(0, buf))
		assert.Equal(t, page(1), buf)
		assert.NoError(t, c.Lock())
		assert.True(t, errors.Is(dev.Lock(), basic.ErrLocked))
	})
}

func TestMemLog(t *testing.T) {
	l := NewMemLog()
	_, err := l.WriteAt([]byte("abcdef"), 2)
	require.NoError(t, err)
	size, _ := l.Size()
	assert.Equal(t, int64(8), size)

	buf := make([]byte, 4)
	n, err := l.ReadAt(buf, 6)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, l.Truncate(4))
	assert.Equal(t, []byte{0, 0, 'a', 'b'}, l.Bytes())

	l.FailAfter(0)
	_, err = l.WriteAt([]byte("x"), 0)
	assert.Error(t, err)
	assert.Error(t, l.Sync())
	assert.Equal(t, 0, l.Syncs())
}
