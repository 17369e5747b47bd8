package engine

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xkv/conf"
	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/storage/btree"
	"github.com/zhukovaskychina/xkv/storage/codec"
)

// Options 引擎参数，只在建库时写入元数据的部分（大值模式、值上限）以文件为准
type Options struct {
	// LargeValues 允许值跨越多个溢出页
	LargeValues bool
	// MaxValueSize 大值模式下的值上限
	MaxValueSize uint32
	// CheckpointFrames 日志中已提交页帧达到该数量时执行检查点
	CheckpointFrames int
	// CachePages 已提交页缓存的容量
	CachePages int
	// Compression 新写入的区间值使用的压缩算法
	Compression btree.Compression
	// Codec 页编解码，nil 表示明文
	Codec codec.PageCodec
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		LargeValues:      true,
		MaxValueSize:     basic.DefaultExtentValueCeiling,
		CheckpointFrames: 1024,
		CachePages:       1024,
		Compression:      btree.CompressionNone,
		Codec:            codec.Plain{},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxValueSize == 0 {
		o.MaxValueSize = def.MaxValueSize
	}
	if o.CheckpointFrames <= 0 {
		o.CheckpointFrames = def.CheckpointFrames
	}
	if o.CachePages <= 0 {
		o.CachePages = def.CachePages
	}
	if o.Codec == nil {
		o.Codec = def.Codec
	}
	return o
}

// valueCeiling 建库时写入元数据的值上限
func (o Options) valueCeiling() uint32 {
	if !o.LargeValues {
		return basic.PagePayloadSize
	}
	return o.MaxValueSize
}

// OptionsFromCfg 从配置文件构造参数
func OptionsFromCfg(cfg *conf.Cfg) (Options, error) {
	opts := DefaultOptions()
	opts.LargeValues = cfg.LargeValues
	if cfg.MaxValueSize > 0 {
		opts.MaxValueSize = uint32(cfg.MaxValueSize)
	}
	if opts.LargeValues && opts.MaxValueSize < basic.PagePayloadSize {
		return opts, errors.Errorf("max_value_size %d is below one page payload", opts.MaxValueSize)
	}
	opts.CheckpointFrames = cfg.CheckpointFrames
	opts.CachePages = cfg.CachePages
	c, err := btree.ParseCompression(cfg.ValueCompression)
	if err != nil {
		return opts, err
	}
	opts.Compression = c
	if cfg.CipherEnabled {
		x, err := codec.NewXTSFromHex(cfg.CipherKey)
		if err != nil {
			return opts, errors.Wrap(err, "cipher")
		}
		opts.Codec = x
	}
	return opts.withDefaults(), nil
}
