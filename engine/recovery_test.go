package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/codec"
	"github.com/zhukovaskychina/xkv/storage/device"
	"github.com/zhukovaskychina/xkv/storage/pages"
	"github.com/zhukovaskychina/xkv/storage/wal"
)

func deleteRange(t *testing.T, db *DB, from, to byte) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		for c := from; c <= to; c++ {
			if _, err := tx.Delete([]byte{c}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func logSize(t *testing.T, log *device.MemLog) int64 {
	n, err := log.Size()
	require.NoError(t, err)
	return n
}

func TestCommitAtomicity(t *testing.T) {
	opts := testOptions()
	m := openMem(t, opts)
	defer m.Close()

	putAll(t, m.DB, alphabet('a', 'z'))
	before := logSize(t, m.log)
	deleteRange(t, m.DB, 'm', 'p')
	after := logSize(t, m.log)
	require.Greater(t, after, before+wal.FrameHeaderSize)

	cases := []struct {
		name string
		size int64
		want int
	}{
		{"提交帧写了一半", after - 1, 26},
		{"缺少提交帧", after - wal.FrameHeaderSize, 26},
		{"页帧写了一半", before + wal.FrameHeaderSize + 100, 26},
		{"只有帧头", before + wal.FrameHeaderSize, 26},
		{"完整提交", after, 22},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			log := m.log.Clone()
			require.NoError(t, log.Truncate(c.size))
			db, err := OpenWith(m.dev.Clone(), log, opts)
			require.NoError(t, err)
			defer db.Close()
			assert.Len(t, scanAll(t, db), c.want)
			require.NoError(t, db.View(context.Background(), func(tx *Tx) error { return tx.Check() }))
		})
	}
}

func TestDurability(t *testing.T) {
	opts := testOptions()
	ctx := context.Background()

	t.Run("崩溃后从日志恢复", func(t *testing.T) {
		m := openMem(t, opts)
		defer m.Close()
		putAll(t, m.DB, alphabet('a', 'z'))
		assert.Greater(t, m.Stats().WalFrames, 0)

		r := m.crash(t, opts)
		defer r.Close()
		assert.Equal(t, alphabet('a', 'z'), scanAll(t, r.DB))
		assert.Equal(t, m.Stats().LastTxID, r.Stats().LastTxID)
		// 恢复时已经回放到数据文件
		assert.Equal(t, 0, r.Stats().WalFrames)
	})

	t.Run("关闭后只依赖数据文件", func(t *testing.T) {
		m := openMem(t, opts)
		putAll(t, m.DB, alphabet('a', 'z'))
		require.NoError(t, m.Close())

		db, err := OpenWith(m.dev, device.NewMemLog(), opts)
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, alphabet('a', 'z'), scanAll(t, db))
	})

	t.Run("多次提交后崩溃", func(t *testing.T) {
		m := openMem(t, opts)
		defer m.Close()
		for i := 0; i < 20; i++ {
			putAll(t, m.DB, map[string]string{fmt.Sprintf("k%02d", i): fmt.Sprint(i)})
		}
		require.NoError(t, m.Update(ctx, func(tx *Tx) error {
			_, err := tx.Delete([]byte("k05"))
			return err
		}))
		r := m.crash(t, opts)
		defer r.Close()
		got := scanAll(t, r.DB)
		assert.Len(t, got, 19)
		assert.Equal(t, "19", got["k19"])
	})
}

func TestIdempotentRecovery(t *testing.T) {
	opts := testOptions()
	m := openMem(t, opts)
	defer m.Close()
	putAll(t, m.DB, alphabet('a', 'z'))
	deleteRange(t, m.DB, 'x', 'z')

	dev, log := m.dev.Clone(), m.log.Clone()

	// 回放到一半失败，日志保持不变
	dev.FailAfter(2)
	_, err := OpenWith(dev, log, opts)
	require.Error(t, err)
	assert.True(t, basic.IsIOError(err))
	dev.FailAfter(-1)

	once, err := OpenWith(dev, log, opts)
	require.NoError(t, err)
	want := scanAll(t, once)
	assert.Len(t, want, 23)
	require.NoError(t, once.Close())

	twice, err := OpenWith(dev, log, opts)
	require.NoError(t, err)
	defer twice.Close()
	assert.Equal(t, want, scanAll(t, twice))
}

func TestCommitFailureRollsBack(t *testing.T) {
	opts := testOptions()
	ctx := context.Background()

	for _, failAfter := range []int64{0, 1, 3} {
		t.Run(fmt.Sprintf("第%d次写之后失败", failAfter), func(t *testing.T) {
			m := openMem(t, opts)
			defer m.Close()
			putAll(t, m.DB, alphabet('a', 'e'))
			committedLog := logSize(t, m.log)

			tx, err := m.Begin(ctx, true)
			require.NoError(t, err)
			require.NoError(t, tx.Put([]byte("f"), bytes.Repeat([]byte{'f'}, 6000)))
			m.log.FailAfter(failAfter)
			err = tx.Commit()
			require.Error(t, err)
			assert.True(t, basic.IsIOError(err))
			m.log.FailAfter(-1)

			assert.Equal(t, committedLog, logSize(t, m.log))
			assert.Equal(t, alphabet('a', 'e'), scanAll(t, m.DB))
			assert.ErrorIs(t, tx.Put([]byte("g"), []byte("v")), basic.ErrTxClosed)

			// 库仍然可用，崩溃恢复后也看不到失败的事务
			putAll(t, m.DB, map[string]string{"g": "value-g"})
			r := m.crash(t, opts)
			defer r.Close()
			got := scanAll(t, r.DB)
			assert.NotContains(t, got, "f")
			assert.Equal(t, "value-g", got["g"])
		})
	}
}

func TestCorruptionDetected(t *testing.T) {
	opts := testOptions()
	m := openMem(t, opts)
	kv := make(map[string]string)
	for i := 0; i < 500; i++ {
		kv[fmt.Sprintf("key-%04d", i)] = "value"
	}
	putAll(t, m.DB, kv)
	require.NoError(t, m.Close())

	t.Run("数据页", func(t *testing.T) {
		dev := m.dev.Clone()
		dev.Corrupt(pages.FirstDataPage, 200)
		db, err := OpenWith(dev, device.NewMemLog(), opts)
		require.NoError(t, err)
		defer db.Close()
		err = db.View(context.Background(), func(tx *Tx) error { return tx.Check() })
		assert.True(t, basic.IsCorruption(err), "%v", err)
	})

	t.Run("元数据页", func(t *testing.T) {
		dev := m.dev.Clone()
		dev.Corrupt(pages.MetaPageId, 30)
		_, err := OpenWith(dev, device.NewMemLog(), opts)
		assert.True(t, basic.IsCorruption(err), "%v", err)
	})

	t.Run("位图页", func(t *testing.T) {
		dev := m.dev.Clone()
		dev.Corrupt(pages.BitmapPageId, 12)
		_, err := OpenWith(dev, device.NewMemLog(), opts)
		assert.True(t, basic.IsCorruption(err), "%v", err)
	})
}

func TestMetaBehindWalDetected(t *testing.T) {
	opts := testOptions()
	m := openMem(t, opts)
	putAll(t, m.DB, alphabet('a', 'e'))
	require.NoError(t, m.Close())

	// 日志里有一个没有带上元数据页的提交
	dev := m.dev.Clone()
	raw := make([]byte, basic.PageSize)
	require.NoError(t, dev.ReadPage(pages.FirstDataPage, raw))
	log := device.NewMemLog()
	w, _, err := wal.Open(log, codec.Plain{})
	require.NoError(t, err)
	require.NoError(t, w.Begin(99))
	require.NoError(t, w.Append(pages.FirstDataPage, raw))
	require.NoError(t, w.Commit(dev.PageCount()))

	_, err = OpenWith(dev, log, opts)
	require.Error(t, err)
	assert.True(t, basic.IsCorruption(err), "%v", err)
}

func TestBootstrapRecovery(t *testing.T) {
	// 建库事务提交前崩溃：文件已经扩展但全是零
	dev := device.NewMemDevice(0)
	_, err := dev.Extend(3)
	require.NoError(t, err)
	db, err := OpenWith(dev, device.NewMemLog(), testOptions())
	require.NoError(t, err)
	defer db.Close()
	assert.Empty(t, scanAll(t, db))
	assert.Equal(t, uint32(3), db.Stats().TotalPages)

	_, err = OpenWith(dev, device.NewMemLog(), testOptions())
	assert.ErrorIs(t, err, basic.ErrLocked)
}

func TestEncryptedPages(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, 64)
	xts, err := codec.NewXTS(key)
	require.NoError(t, err)
	opts := testOptions()
	opts.Codec = xts

	m := openMem(t, opts)
	secret := "plain-text-marker-0123456789"
	putAll(t, m.DB, map[string]string{"secret": secret})
	assert.False(t, bytes.Contains(m.log.Bytes(), []byte(secret)))
	r := m.crash(t, opts)
	assert.Equal(t, secret, scanAll(t, r.DB)["secret"])
	require.NoError(t, r.Close())
	require.NoError(t, m.Close())

	_, err = OpenWith(r.dev.Clone(), device.NewMemLog(), testOptions())
	require.Error(t, err)
	assert.True(t, basic.IsCorruption(err) || basic.IsInvalidState(err), "%v", err)
}

func TestFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	opts := testOptions()

	db, err := Open(path, opts)
	require.NoError(t, err)
	putAll(t, db, alphabet('a', 'z'))

	_, err = Open(path, opts)
	assert.ErrorIs(t, err, basic.ErrLocked)

	deleteRange(t, db, 'a', 'c')
	require.NoError(t, db.Close())

	db, err = Open(path, opts)
	require.NoError(t, err)
	defer db.Close()
	got := scanAll(t, db)
	assert.Len(t, got, 23)
	assert.Equal(t, "value-z", got["z"])
	require.NoError(t, db.View(context.Background(), func(tx *Tx) error { return tx.Check() }))
}
