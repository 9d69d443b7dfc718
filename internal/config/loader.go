package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	return LoadWithRole(path, "")
}

// LoadWithRole 与 Load 相同，role 非空时覆盖文件中的 Role。
func LoadWithRole(path, role string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if role = strings.TrimSpace(role); role != "" {
		v.Set("Role", role)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.absolutize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Role", RoleProxy)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogMaxAge", 0)
	v.SetDefault("LogCompress", true)

	v.SetDefault("Proxy.ListenPort", 5000)
	v.SetDefault("Proxy.CacheDir", "./cache")
	v.SetDefault("Proxy.CacheCapacity", "1GiB")
	v.SetDefault("Proxy.MaxChunkSize", 100000)
	v.SetDefault("Proxy.WriteChunkSize", 8*1024)
	v.SetDefault("Proxy.RemoteTimeout", "30s")

	v.SetDefault("Store.ListenPort", 5001)
	v.SetDefault("Store.RootPath", "./data")
}

func applyGlobalDefaults(g *GlobalConfig) {
	g.Role = strings.ToLower(strings.TrimSpace(g.Role))
	if g.Role == "" {
		g.Role = RoleProxy
	}
}

// absolutize 将当前角色使用的目录转换为绝对路径。
func (c *Config) absolutize() error {
	switch c.Global.Role {
	case RoleProxy:
		abs, err := filepath.Abs(c.Proxy.CacheDir)
		if err != nil {
			return fmt.Errorf("无法解析缓存目录: %w", err)
		}
		c.Proxy.CacheDir = abs
	case RoleStore:
		abs, err := filepath.Abs(c.Store.RootPath)
		if err != nil {
			return fmt.Errorf("无法解析存储目录: %w", err)
		}
		c.Store.RootPath = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
