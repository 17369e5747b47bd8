package conf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xkv/logger"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[engine]
data_file         = data/xkv.db
large_values      = true
max_value_size    = 1572864
checkpoint_frames = 1024
cache_pages       = 1024
value_compression = snappy

[cipher]
enabled = false
key     = <64 or 128 hex chars>

[logs]
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// engine
	DataFile         string `default:"data/xkv.db" yaml:"data_file" json:"data_file,omitempty"`
	LargeValues      bool   `default:"true" yaml:"large_values" json:"large_values,omitempty"`
	MaxValueSize     int    `default:"1572864" yaml:"max_value_size" json:"max_value_size,omitempty"`
	CheckpointFrames int    `default:"1024" yaml:"checkpoint_frames" json:"checkpoint_frames,omitempty"`
	CachePages       int    `default:"1024" yaml:"cache_pages" json:"cache_pages,omitempty"`
	ValueCompression string `default:"none" yaml:"value_compression" json:"value_compression,omitempty"`

	// cipher
	CipherEnabled bool   `default:"false" yaml:"enabled" json:"enabled,omitempty"`
	CipherKey     string `default:"" yaml:"key" json:"key,omitempty"`

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		DataFile:         "data/xkv.db",
		LargeValues:      true,
		MaxValueSize:     1572864, // 1.5MB
		CheckpointFrames: 1024,
		CachePages:       1024,
		ValueCompression: "none",
		LogLevel:         "info",
	}
}

// Load 按扩展名加载 .ini 或 .toml 配置，文件不存在时使用默认配置
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	if args.ConfigPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(args.ConfigPath); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置\n", args.ConfigPath)
		return cfg, nil
	}
	if strings.EqualFold(filepath.Ext(args.ConfigPath), ".toml") {
		tree, err := toml.LoadFile(args.ConfigPath)
		if err != nil {
			return nil, errors.Wrapf(err, "解析配置文件失败: %s", args.ConfigPath)
		}
		cfg.parseToml(tree)
		logger.Debugf("成功加载配置文件: %s\n", args.ConfigPath)
		return cfg, nil
	}

	iniFile, err := ini.Load(args.ConfigPath)
	if err != nil {
		return nil, errors.Wrapf(err, "解析配置文件失败: %s", args.ConfigPath)
	}
	cfg.Raw = iniFile
	cfg.parseEngineCfg(cfg.Raw.Section("engine"))
	cfg.parseCipherCfg(cfg.Raw.Section("cipher"))
	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	logger.Debugf("成功加载配置文件: %s\n", args.ConfigPath)
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) parseEngineCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	cfg.DataFile, _ = valueAsString(section, "data_file", cfg.DataFile)
	cfg.LargeValues = section.Key("large_values").MustBool(cfg.LargeValues)
	cfg.MaxValueSize = section.Key("max_value_size").MustInt(cfg.MaxValueSize)
	cfg.CheckpointFrames = section.Key("checkpoint_frames").MustInt(cfg.CheckpointFrames)
	cfg.CachePages = section.Key("cache_pages").MustInt(cfg.CachePages)
	cfg.ValueCompression, _ = valueAsString(section, "value_compression", cfg.ValueCompression)
	return cfg
}

func (cfg *Cfg) parseCipherCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	cfg.CipherEnabled = section.Key("enabled").MustBool(cfg.CipherEnabled)
	cfg.CipherKey, _ = valueAsString(section, "key", cfg.CipherKey)
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	if section == nil {
		return cfg
	}
	cfg.LogError, _ = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos, _ = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel, _ = valueAsString(section, "log_level", cfg.LogLevel)
	return cfg
}

// parseToml TOML 配置与 INI 使用相同的段和键
func (cfg *Cfg) parseToml(tree *toml.Tree) {
	cfg.DataFile = tomlString(tree, "engine.data_file", cfg.DataFile)
	cfg.LargeValues = tomlBool(tree, "engine.large_values", cfg.LargeValues)
	cfg.MaxValueSize = tomlInt(tree, "engine.max_value_size", cfg.MaxValueSize)
	cfg.CheckpointFrames = tomlInt(tree, "engine.checkpoint_frames", cfg.CheckpointFrames)
	cfg.CachePages = tomlInt(tree, "engine.cache_pages", cfg.CachePages)
	cfg.ValueCompression = tomlString(tree, "engine.value_compression", cfg.ValueCompression)
	cfg.CipherEnabled = tomlBool(tree, "cipher.enabled", cfg.CipherEnabled)
	cfg.CipherKey = tomlString(tree, "cipher.key", cfg.CipherKey)
	cfg.LogError = tomlString(tree, "logs.log_error", cfg.LogError)
	cfg.LogInfos = tomlString(tree, "logs.log_infos", cfg.LogInfos)
	cfg.LogLevel = tomlString(tree, "logs.log_level", cfg.LogLevel)
}

func tomlString(tree *toml.Tree, key string, def string) string {
	if v, ok := tree.Get(key).(string); ok && v != "" {
		return v
	}
	return def
}

func tomlBool(tree *toml.Tree, key string, def bool) bool {
	if v, ok := tree.Get(key).(bool); ok {
		return v
	}
	return def
}

func tomlInt(tree *toml.Tree, key string, def int) int {
	switch v := tree.Get(key).(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	if section == nil {
		return defaultValue, nil
	}
	value = section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value, nil
}

// GetString 获取配置项的字符串值
func (cfg *Cfg) GetString(key string) string {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return ""
	}
	value, _ := valueAsString(cfg.Raw.Section(parts[0]), strings.Join(parts[1:], "."), "")
	return value
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return 0
	}
	return cfg.Raw.Section(parts[0]).Key(strings.Join(parts[1:], ".")).MustInt(0)
}
