package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// 运行角色。
const (
	RoleProxy = "proxy"
	RoleStore = "store"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 接受纯字节数或 "512MiB"、"2GB" 这类可读写法。
type ByteSize int64

// UnmarshalText 解析可读的容量写法。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes 返回字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为，两种角色共享。
type GlobalConfig struct {
	Role          string `mapstructure:"Role"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	// LogMaxAge 为轮转文件保留天数，0 表示不按时间清理。
	LogMaxAge     int    `mapstructure:"LogMaxAge"`
	LogCompress   bool   `mapstructure:"LogCompress"`
}

// ProxyConfig 决定代理角色的缓存与远端连接参数。
type ProxyConfig struct {
	ListenPort     int      `mapstructure:"ListenPort"`
	CacheDir       string   `mapstructure:"CacheDir"`
	CacheCapacity  ByteSize `mapstructure:"CacheCapacity"`
	MaxChunkSize   ByteSize `mapstructure:"MaxChunkSize"`
	WriteChunkSize ByteSize `mapstructure:"WriteChunkSize"`
	BackingStore   string   `mapstructure:"BackingStore"`
	// RemoteTimeout 为 0 表示不设超时。
	RemoteTimeout Duration `mapstructure:"RemoteTimeout"`
}

// StoreConfig 描述权威存储角色。
type StoreConfig struct {
	ListenPort int    `mapstructure:"ListenPort"`
	RootPath   string `mapstructure:"RootPath"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Proxy  ProxyConfig  `mapstructure:"Proxy"`
	Store  StoreConfig  `mapstructure:"Store"`
}

// ListenPort 返回当前角色的监听端口。
func (c *Config) ListenPort() int {
	if c.Global.Role == RoleStore {
		return c.Store.ListenPort
	}
	return c.Proxy.ListenPort
}
