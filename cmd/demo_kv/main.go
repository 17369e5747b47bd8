package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhukovaskychina/xkv/engine"
	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/btree"
	"github.com/zhukovaskychina/xkv/storage/device"
)

func main() {
	fmt.Println("=== xkv 事务与恢复演示 ===")
	logger.SetOutput(os.Stdout, "info")

	dir, err := os.MkdirTemp("", "xkv-demo")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		return
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "demo.db")

	fmt.Println("1. 创建数据库并写入 a..z ...")
	db, err := engine.Open(path, engine.DefaultOptions())
	if err != nil {
		fmt.Printf("Failed to open: %v\n", err)
		return
	}
	ctx := context.Background()
	must(db.Update(ctx, func(tx *engine.Tx) error {
		for c := byte('a'); c <= 'z'; c++ {
			if err := tx.Put([]byte{c}, []byte("value-"+string(c))); err != nil {
				return err
			}
		}
		return nil
	}))
	fmt.Printf("   共 %d 条\n", count(db))

	fmt.Println("\n2. 删除 m..p 后回滚 ...")
	tx, err := db.Begin(ctx, true)
	must(err)
	for c := byte('m'); c <= 'p'; c++ {
		_, err := tx.Delete([]byte{c})
		must(err)
	}
	must(tx.Rollback())
	fmt.Printf("   共 %d 条\n", count(db))

	fmt.Println("\n3. 删除 m..p 并提交 ...")
	must(db.Update(ctx, func(tx *engine.Tx) error {
		for c := byte('m'); c <= 'p'; c++ {
			if _, err := tx.Delete([]byte{c}); err != nil {
				return err
			}
		}
		return nil
	}))
	fmt.Printf("   共 %d 条\n", count(db))

	fmt.Println("\n4. 值长度边界 ...")
	must(db.Update(ctx, func(tx *engine.Tx) error {
		for _, n := range []int{basic.PagePayloadSize, basic.PagePayloadSize + 1} {
			if err := tx.Put([]byte(fmt.Sprintf("big-%d", n)), bytes.Repeat([]byte{'x'}, n)); err != nil {
				return err
			}
			info, err := tx.Info([]byte(fmt.Sprintf("big-%d", n)))
			if err != nil {
				return err
			}
			fmt.Printf("   %d 字节 -> %d 页\n", n, info.Extent.Count)
		}
		return nil
	}))

	fmt.Println("\n5. 多表、无值键和部分写入 ...")
	must(db.Update(ctx, func(tx *engine.Tx) error {
		users := tx.Table(1)
		if err := users.Put([]byte("a"), []byte("user-a")); err != nil {
			return err
		}
		if err := users.PutEmpty([]byte("pending")); err != nil {
			return err
		}
		return tx.WriteAt([]byte(fmt.Sprintf("big-%d", basic.PagePayloadSize+1)), []byte("HEAD"), 0)
	}))
	must(db.View(ctx, func(tx *engine.Tx) error {
		it, err := tx.ScanTables()
		if err != nil {
			return err
		}
		for it.Next() {
			if it.Table() != engine.DefaultTable {
				fmt.Printf("   表 %d: %s 有值=%v\n", it.Table(), it.Key(), it.HasValue())
			}
		}
		head := make([]byte, 6)
		if _, err := tx.ReadAt([]byte(fmt.Sprintf("big-%d", basic.PagePayloadSize+1)), head, 0); err != nil {
			return err
		}
		fmt.Printf("   big 值开头: %s\n", head)
		return it.Err()
	}))

	fmt.Println("\n6. 关闭并重新打开 ...")
	must(db.Close())
	db, err = engine.Open(path, engine.DefaultOptions())
	must(err)
	fmt.Printf("   共 %d 条\n", count(db))
	must(db.View(ctx, func(tx *engine.Tx) error { return tx.Check() }))
	s := db.Stats()
	fmt.Printf("   页: 总数=%d 已用=%d 空闲=%d，最后事务=%d\n", s.TotalPages, s.UsedPages, s.FreePages, s.LastTxID)
	must(db.Close())

	fmt.Println("\n7. 提交帧丢失后的恢复 ...")
	crashDemo()

	fmt.Println("\n=== 演示完成 ===")
}

// crashDemo 在内存设备上提交两个事务，截掉第二个事务的提交帧后重新打开
func crashDemo() {
	dev, log := device.NewMemDevice(0), device.NewMemLog()
	opts := engine.DefaultOptions()
	opts.CheckpointFrames = 1 << 20
	db, err := engine.OpenWith(dev, log, opts)
	must(err)
	must(db.Update(context.Background(), func(tx *engine.Tx) error { return tx.Put([]byte("k1"), []byte("v1")) }))
	must(db.Update(context.Background(), func(tx *engine.Tx) error { return tx.Put([]byte("k2"), []byte("v2")) }))

	crashed := log.Clone()
	size, _ := crashed.Size()
	must(crashed.Truncate(size - 1))
	recovered, err := engine.OpenWith(dev.Clone(), crashed, opts)
	must(err)
	fmt.Printf("   恢复后共 %d 条\n", count(recovered))
	must(recovered.Close())
	must(db.Close())
}

func count(db *engine.DB) int {
	n := 0
	must(db.View(context.Background(), func(tx *engine.Tx) error {
		it, err := tx.Scan(btree.All())
		if err != nil {
			return err
		}
		for it.Next() {
			n++
		}
		return it.Err()
	}))
	return n
}

func must(err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
