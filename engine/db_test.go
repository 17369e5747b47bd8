package engine

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/btree"
	"github.com/zhukovaskychina/xkv/storage/device"
)

// memDB 内存设备上的库，CheckpointFrames 设得很大以便日志保留已提交的帧
type memDB struct {
	*DB
	dev *device.MemDevice
	log *device.MemLog
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CheckpointFrames = 1 << 20
	return opts
}

func openMem(t *testing.T, opts Options) *memDB {
	t.Helper()
	dev := device.NewMemDevice(0)
	log := device.NewMemLog()
	db, err := OpenWith(dev, log, opts)
	require.NoError(t, err)
	return &memDB{DB: db, dev: dev, log: log}
}

// crash 复制当前磁盘状态，模拟进程崩溃后重新打开
func (m *memDB) crash(t *testing.T, opts Options) *memDB {
	t.Helper()
	dev, log := m.dev.Clone(), m.log.Clone()
	db, err := OpenWith(dev, log, opts)
	require.NoError(t, err)
	return &memDB{DB: db, dev: dev, log: log}
}

func putAll(t *testing.T, db *DB, kv map[string]string) {
	t.Helper()
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	require.NoError(t, db.Update(context.Background(), func(tx *Tx) error {
		for _, k := range keys {
			if err := tx.Put([]byte(k), []byte(kv[k])); err != nil {
				return err
			}
		}
		return nil
	}))
}

func scanAll(t *testing.T, db *DB) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, db.View(context.Background(), func(tx *Tx) error {
		it, err := tx.Scan(btree.All())
		if err != nil {
			return err
		}
		for it.Next() {
			v, err := it.Value()
			if err != nil {
				return err
			}
			out[string(it.Key())] = string(v)
		}
		return it.Err()
	}))
	return out
}

func alphabet(from, to byte) map[string]string {
	kv := make(map[string]string)
	for c := from; c <= to; c++ {
		kv[string(c)] = "value-" + string(c)
	}
	return kv
}

func TestRoundTripAndOrder(t *testing.T) {
	m := openMem(t, testOptions())
	defer m.Close()

	keys := make([]string, 2000)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%06d", i)
	}
	shuffled := append([]string(nil), keys...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	ctx := context.Background()
	require.NoError(t, m.Update(ctx, func(tx *Tx) error {
		for _, k := range shuffled {
			if err := tx.Put([]byte(k), []byte("v"+k)); err != nil {
				return err
			}
		}
		return nil
	}))

	t.Run("点查", func(t *testing.T) {
		require.NoError(t, m.View(ctx, func(tx *Tx) error {
			for _, k := range keys {
				v, err := tx.Get([]byte(k))
				require.NoError(t, err)
				assert.Equal(t, "v"+k, string(v))
			}
			_, err := tx.Get([]byte("missing"))
			assert.ErrorIs(t, err, basic.ErrKeyNotFound)
			return nil
		}))
	})

	t.Run("正序与逆序扫描", func(t *testing.T) {
		require.NoError(t, m.View(ctx, func(tx *Tx) error {
			var got []string
			it, err := tx.Scan(btree.All())
			require.NoError(t, err)
			for it.Next() {
				got = append(got, string(it.Key()))
			}
			require.NoError(t, it.Err())
			assert.Equal(t, keys, got)

			got = got[:0]
			it, err = tx.Scan(btree.Range{
				Start:   btree.Bound{Key: []byte("key-000100"), Inclusive: true},
				End:     btree.Bound{Key: []byte("key-000110")},
				Reverse: true,
			})
			require.NoError(t, err)
			for it.Next() {
				got = append(got, string(it.Key()))
			}
			require.Len(t, got, 10)
			assert.Equal(t, "key-000109", got[0])
			assert.Equal(t, "key-000100", got[9])
			return nil
		}))
	})

	t.Run("结构校验", func(t *testing.T) {
		require.NoError(t, m.View(ctx, func(tx *Tx) error { return tx.Check() }))
	})
}

func TestAlphabetScenario(t *testing.T) {
	m := openMem(t, testOptions())
	defer m.Close()
	ctx := context.Background()

	putAll(t, m.DB, alphabet('a', 'z'))
	assert.Len(t, scanAll(t, m.DB), 26)

	tx, err := m.Begin(ctx, true)
	require.NoError(t, err)
	for c := byte('m'); c <= 'p'; c++ {
		found, err := tx.Delete([]byte{c})
		require.NoError(t, err)
		assert.True(t, found)
	}
	require.NoError(t, tx.Rollback())
	assert.Len(t, scanAll(t, m.DB), 26)

	require.NoError(t, m.Update(ctx, func(tx *Tx) error {
		for c := byte('m'); c <= 'p'; c++ {
			if _, err := tx.Delete([]byte{c}); err != nil {
				return err
			}
		}
		found, err := tx.Delete([]byte("zz"))
		assert.False(t, found)
		return err
	}))
	got := scanAll(t, m.DB)
	assert.Len(t, got, 22)
	assert.NotContains(t, got, "n")
	assert.Equal(t, "value-q", got["q"])
}

func TestValueSizeBoundary(t *testing.T) {
	ctx := context.Background()
	at := func(n int) []byte { return bytes.Repeat([]byte{'x'}, n) }

	t.Run("最小模式", func(t *testing.T) {
		opts := testOptions()
		opts.LargeValues = false
		m := openMem(t, opts)
		defer m.Close()
		assert.False(t, m.LargeValues())
		assert.Equal(t, uint32(basic.PagePayloadSize), m.MaxValueSize())

		tx, err := m.Begin(ctx, true)
		require.NoError(t, err)
		require.NoError(t, tx.Put([]byte("fit"), at(4088)))
		err = tx.Put([]byte("over"), at(4089))
		assert.ErrorIs(t, err, basic.ErrValueTooLarge)
		// 校验错误不终止事务
		require.NoError(t, tx.Commit())

		require.NoError(t, m.View(ctx, func(tx *Tx) error {
			v, err := tx.Get([]byte("fit"))
			require.NoError(t, err)
			assert.Len(t, v, 4088)
			info, err := tx.Info([]byte("fit"))
			require.NoError(t, err)
			assert.Equal(t, btree.ValueSinglePage, info.Kind)
			_, err = tx.Get([]byte("over"))
			assert.ErrorIs(t, err, basic.ErrKeyNotFound)
			return nil
		}))
	})

	t.Run("大值模式", func(t *testing.T) {
		m := openMem(t, testOptions())
		defer m.Close()
		assert.True(t, m.LargeValues())

		limit := int(m.MaxValueSize())
		require.NoError(t, m.Update(ctx, func(tx *Tx) error {
			require.NoError(t, tx.Put([]byte("a"), at(4088)))
			require.NoError(t, tx.Put([]byte("b"), at(4089)))
			require.NoError(t, tx.Put([]byte("max"), at(limit)))
			assert.ErrorIs(t, tx.Put([]byte("c"), at(limit+1)), basic.ErrValueTooLarge)
			return nil
		}))
		require.NoError(t, m.View(ctx, func(tx *Tx) error {
			info, err := tx.Info([]byte("b"))
			require.NoError(t, err)
			assert.Equal(t, btree.ValueExtent, info.Kind)
			assert.Equal(t, uint32(2), info.Extent.Count)
			v, err := tx.Get([]byte("max"))
			require.NoError(t, err)
			assert.Len(t, v, limit)
			return tx.Check()
		}))
	})

	t.Run("键长上限", func(t *testing.T) {
		m := openMem(t, testOptions())
		defer m.Close()
		require.NoError(t, m.Update(ctx, func(tx *Tx) error {
			require.NoError(t, tx.Put(at(basic.MaxKeySize), []byte("v")))
			assert.ErrorIs(t, tx.Put(at(basic.MaxKeySize+1), []byte("v")), basic.ErrKeyTooLarge)
			return nil
		}))
	})
}

func TestFreedPagesReused(t *testing.T) {
	ctx := context.Background()

	t.Run("单页值", func(t *testing.T) {
		m := openMem(t, testOptions())
		defer m.Close()
		kv := make(map[string]string)
		for i := 0; i < 300; i++ {
			kv[fmt.Sprintf("k%04d", i)] = string(bytes.Repeat([]byte{byte('a' + i%26)}, 3000))
		}
		putAll(t, m.DB, kv)
		total := m.Stats().TotalPages

		require.NoError(t, m.Update(ctx, func(tx *Tx) error {
			for k := range kv {
				if _, err := tx.Delete([]byte(k)); err != nil {
					return err
				}
			}
			return nil
		}))
		st := m.Stats()
		assert.Equal(t, total, st.TotalPages)
		assert.Greater(t, st.FreePages, uint32(300))

		putAll(t, m.DB, kv)
		assert.Equal(t, total, m.Stats().TotalPages)
		require.NoError(t, m.View(ctx, func(tx *Tx) error { return tx.Check() }))
	})

	t.Run("区间覆盖写", func(t *testing.T) {
		m := openMem(t, testOptions())
		defer m.Close()
		big := string(bytes.Repeat([]byte{'z'}, 10*basic.PagePayloadSize))
		// 覆盖写先分配新区间再释放旧区间，第二次之后复用
		putAll(t, m.DB, map[string]string{"big": big})
		putAll(t, m.DB, map[string]string{"big": big})
		total := m.Stats().TotalPages
		for i := 0; i < 5; i++ {
			putAll(t, m.DB, map[string]string{"big": big})
		}
		assert.Equal(t, total, m.Stats().TotalPages)
		assert.Equal(t, big, scanAll(t, m.DB)["big"])
	})
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, c := range []btree.Compression{btree.CompressionSnappy, btree.CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			opts := testOptions()
			opts.Compression = c
			m := openMem(t, opts)
			defer m.Close()

			value := bytes.Repeat([]byte("compressible "), 4000)
			putAll(t, m.DB, map[string]string{"k": string(value)})
			require.NoError(t, m.View(context.Background(), func(tx *Tx) error {
				info, err := tx.Info([]byte("k"))
				require.NoError(t, err)
				assert.Equal(t, c, info.Compression)
				assert.Less(t, info.StoredLen, info.RawLen)
				v, err := tx.Get([]byte("k"))
				require.NoError(t, err)
				assert.Equal(t, value, v)
				return nil
			}))
		})
	}
}

func TestTransactionState(t *testing.T) {
	m := openMem(t, testOptions())
	defer m.Close()
	ctx := context.Background()

	t.Run("嵌套开启事务", func(t *testing.T) {
		tx, err := m.Begin(ctx, true)
		require.NoError(t, err)
		_, err = m.Begin(tx.Context(), true)
		assert.ErrorIs(t, err, basic.ErrInvalidState)
		_, err = m.Begin(tx.Context(), false)
		assert.ErrorIs(t, err, basic.ErrInvalidState)
		require.NoError(t, tx.Rollback())

		// 事务结束后 ctx 可以再次使用
		again, err := m.Begin(tx.Context(), false)
		require.NoError(t, err)
		require.NoError(t, again.Rollback())
	})

	t.Run("回调中用事务的 ctx 再开事务", func(t *testing.T) {
		err := m.Update(ctx, func(tx *Tx) error {
			return m.View(tx.Context(), func(*Tx) error { return nil })
		})
		assert.ErrorIs(t, err, basic.ErrInvalidState)
		err = m.View(ctx, func(tx *Tx) error {
			return m.Update(tx.Context(), func(*Tx) error { return nil })
		})
		assert.ErrorIs(t, err, basic.ErrInvalidState)
		// 外层事务已经结束，库仍然可写
		putAll(t, m.DB, map[string]string{"after-nested": "v"})
	})

	t.Run("提交后使用", func(t *testing.T) {
		tx, err := m.Begin(ctx, true)
		require.NoError(t, err)
		require.NoError(t, tx.Put([]byte("k"), []byte("v")))
		require.NoError(t, tx.Commit())
		assert.Equal(t, uint64(tx.ID()), m.Stats().LastTxID)

		assert.ErrorIs(t, tx.Put([]byte("k"), []byte("v2")), basic.ErrTxClosed)
		_, err = tx.Get([]byte("k"))
		assert.True(t, basic.IsInvalidState(err))
		assert.ErrorIs(t, tx.Commit(), basic.ErrTxClosed)
		assert.ErrorIs(t, tx.Rollback(), basic.ErrTxClosed)
	})

	t.Run("只读事务不能写", func(t *testing.T) {
		tx, err := m.Begin(ctx, false)
		require.NoError(t, err)
		assert.False(t, tx.Writable())
		assert.ErrorIs(t, tx.Put([]byte("k"), []byte("v")), basic.ErrTxReadOnly)
		_, err = tx.Delete([]byte("k"))
		assert.ErrorIs(t, err, basic.ErrTxReadOnly)
		require.NoError(t, tx.Commit())
	})

	t.Run("写者互斥", func(t *testing.T) {
		tx, err := m.Begin(ctx, true)
		require.NoError(t, err)
		wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = m.Begin(wctx, true)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		require.NoError(t, tx.Rollback())
	})

	t.Run("取消后提交", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		tx, err := m.Begin(cctx, true)
		require.NoError(t, err)
		require.NoError(t, tx.Put([]byte("cancelled"), []byte("v")))
		cancel()
		assert.ErrorIs(t, tx.Commit(), context.Canceled)
		assert.NotContains(t, scanAll(t, m.DB), "cancelled")
	})

	t.Run("回调出错回滚", func(t *testing.T) {
		boom := fmt.Errorf("boom")
		err := m.Update(ctx, func(tx *Tx) error {
			require.NoError(t, tx.Put([]byte("never"), []byte("v")))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NotContains(t, scanAll(t, m.DB), "never")
	})

	t.Run("关闭后", func(t *testing.T) {
		other := openMem(t, testOptions())
		require.NoError(t, other.Close())
		_, err := other.Begin(ctx, false)
		assert.ErrorIs(t, err, basic.ErrDatabaseClosed)
		_, err = other.Begin(ctx, true)
		assert.ErrorIs(t, err, basic.ErrDatabaseClosed)
		assert.NoError(t, other.Close())
	})
}

func TestOutOfSpaceAbortsTransaction(t *testing.T) {
	m := openMem(t, testOptions())
	defer m.Close()
	ctx := context.Background()
	putAll(t, m.DB, alphabet('a', 'e'))
	committed := m.dev.PageCount()
	m.dev.SetMaxPages(committed + 4)

	tx, err := m.Begin(ctx, true)
	require.NoError(t, err)
	err = tx.Put([]byte("huge"), bytes.Repeat([]byte{1}, 20*basic.PagePayloadSize))
	require.Error(t, err)
	assert.True(t, basic.IsOutOfSpace(err))
	assert.ErrorIs(t, tx.Put([]byte("f"), []byte("v")), basic.ErrTxClosed)
	assert.ErrorIs(t, tx.Commit(), basic.ErrTxClosed)
	assert.Equal(t, committed, m.dev.PageCount())

	m.dev.SetMaxPages(0)
	putAll(t, m.DB, map[string]string{"f": "value-f"})
	assert.Len(t, scanAll(t, m.DB), 6)
}

func TestConcurrentReaders(t *testing.T) {
	m := openMem(t, testOptions())
	defer m.Close()
	ctx := context.Background()
	putAll(t, m.DB, map[string]string{"a": "0", "b": "0"})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := m.View(ctx, func(tx *Tx) error {
					a, err := tx.Get([]byte("a"))
					if err != nil {
						return err
					}
					b, err := tx.Get([]byte("b"))
					if err != nil {
						return err
					}
					if !bytes.Equal(a, b) {
						return fmt.Errorf("torn read: a=%s b=%s", a, b)
					}
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 1; i <= 100; i++ {
		v := fmt.Sprint(i)
		putAll(t, m.DB, map[string]string{"a": v, "b": v})
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, "100", scanAll(t, m.DB)["a"])
}

func TestCheckpointAndStats(t *testing.T) {
	opts := testOptions()
	opts.CheckpointFrames = 16
	opts.CachePages = 8
	m := openMem(t, opts)
	defer m.Close()

	keys := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key-%05d", i)
		keys = append(keys, k)
		putAll(t, m.DB, map[string]string{k: k})
	}
	st := m.Stats()
	assert.Greater(t, st.Checkpoints, uint64(0))
	assert.Less(t, st.WalFrames, 16+8)
	assert.LessOrEqual(t, st.CachedPages, 8)
	assert.Equal(t, st.TotalPages, st.FreePages+st.UsedPages)
	assert.Equal(t, uint64(501), st.LastTxID)

	require.NoError(t, m.Checkpoint(context.Background()))
	assert.Equal(t, 0, m.Stats().WalFrames)

	got := scanAll(t, m.DB)
	sorted := make([]string, 0, len(got))
	for k := range got {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	assert.Equal(t, keys, sorted)
}
