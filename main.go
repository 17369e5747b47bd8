package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xkv/conf"
	"github.com/zhukovaskychina/xkv/engine"
	"github.com/zhukovaskychina/xkv/logger"
	"github.com/zhukovaskychina/xkv/storage/btree"
)

const help = `
******************************************************************************************
 __  ___  ____   __
 \ \/ / |/ /\ \ / /
  >  <| ' <  \ V /
 /_/\_\_|\_\  \_/
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定 xkv.ini / xkv.toml 配置文件
*3. -- db           数据文件路径，覆盖配置中的 engine.data_file
*4. -- put k=v      写入一个键值
*5. -- get k        读取一个键
*6. -- del k        删除一个键
*7. -- scan         按键顺序输出全部键值
*8. -- stats        输出页、日志和缓存统计
*9. -- check        校验树结构和空闲页
*10. -- dump        按层输出树结构
*11. -- table       put/get/del/scan 使用的表号，默认 0
*12. -- tables      按表号和键输出全库
******************************************************************************************
`

func main() {
	var (
		configPath string
		dbPath     string
		put        string
		get        string
		del        string
		scan       bool
		stats      bool
		check      bool
		dump       bool
		table      uint
		tables     bool
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&dbPath, "db", "", "数据文件路径")
	flag.StringVar(&put, "put", "", "写入 key=value")
	flag.StringVar(&get, "get", "", "读取 key")
	flag.StringVar(&del, "del", "", "删除 key")
	flag.BoolVar(&scan, "scan", false, "输出全部键值")
	flag.BoolVar(&stats, "stats", false, "输出统计")
	flag.BoolVar(&check, "check", false, "校验数据库")
	flag.BoolVar(&dump, "dump", false, "输出树结构")
	flag.UintVar(&table, "table", 0, "表号")
	flag.BoolVar(&tables, "tables", false, "输出全库")
	flag.Usage = func() { fmt.Print(help) }
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}
	config, err := conf.NewCfg().Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}
	if err := logger.InitLogger(logConfig); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Debugf("config loaded: data_file=%s, large_values=%v, compression=%s\n", config.DataFile, config.LargeValues, config.ValueCompression)

	if dbPath != "" {
		config.DataFile = dbPath
	}
	opts, err := engine.OptionsFromCfg(config)
	if err != nil {
		logger.Errorf("invalid options: %v\n", err)
		os.Exit(1)
	}
	db, err := engine.Open(config.DataFile, opts)
	if err != nil {
		logger.Errorf("open %s: %s\n", config.DataFile, jerrors.ErrorStack(err))
		os.Exit(1)
	}
	defer db.Close()

	req := request{table: engine.TableID(table), put: put, get: get, del: del, scan: scan, tables: tables, stats: stats, check: check, dump: dump}
	if err := run(db, req); err != nil {
		logger.Error(err)
		db.Close()
		os.Exit(1)
	}
}

// request 命令行要执行的操作
type request struct {
	table         engine.TableID
	put, get, del string
	scan, tables  bool
	stats, check  bool
	dump          bool
}

func run(db *engine.DB, req request) error {
	ctx := context.Background()
	if req.put != "" {
		kv := strings.SplitN(req.put, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("-put expects key=value, got %q", req.put)
		}
		if err := db.Update(ctx, func(tx *engine.Tx) error {
			return tx.Table(req.table).Put([]byte(kv[0]), []byte(kv[1]))
		}); err != nil {
			return err
		}
		logger.Printf("put %s into table %d (%d bytes)\n", kv[0], req.table, len(kv[1]))
	}
	if req.del != "" {
		var found bool
		if err := db.Update(ctx, func(tx *engine.Tx) (err error) {
			found, err = tx.Table(req.table).Delete([]byte(req.del))
			return err
		}); err != nil {
			return err
		}
		fmt.Printf("deleted %s: %v\n", req.del, found)
	}
	return db.View(ctx, func(tx *engine.Tx) error {
		if req.get != "" {
			v, err := tx.Table(req.table).Get([]byte(req.get))
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", v)
		}
		if req.scan {
			it, err := tx.Table(req.table).Scan(btree.All())
			if err != nil {
				return err
			}
			if err := printEntries(it, false); err != nil {
				return err
			}
		}
		if req.tables {
			it, err := tx.ScanTables()
			if err != nil {
				return err
			}
			if err := printEntries(it, true); err != nil {
				return err
			}
		}
		if req.check {
			if err := tx.Check(); err != nil {
				return err
			}
			fmt.Println("check ok")
		}
		if req.dump {
			if err := tx.Dump(os.Stdout); err != nil {
				return err
			}
		}
		if req.stats {
			s := db.Stats()
			fmt.Printf("pages: total=%d used=%d free=%d\n", s.TotalPages, s.UsedPages, s.FreePages)
			fmt.Printf("wal: frames=%d bytes=%d checkpoints=%d\n", s.WalFrames, s.WalBytes, s.Checkpoints)
			fmt.Printf("cache: pages=%d hits=%d misses=%d\n", s.CachedPages, s.CacheHits, s.CacheMisses)
			fmt.Printf("last tx: %d, device writes: %d\n", s.LastTxID, s.DeviceWrites)
		}
		return nil
	})
}

func printEntries(it *engine.Iterator, withTable bool) error {
	for it.Next() {
		if withTable {
			fmt.Printf("%d\t", it.Table())
		}
		if !it.HasValue() {
			fmt.Printf("%s\t<no value>\n", it.Key())
			continue
		}
		v, err := it.Value()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", it.Key(), v)
	}
	return it.Err()
}
