package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const supportedRoleList = "proxy|store"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。只校验当前角色
// 用到的段落。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	for field, value := range map[string]int{
		"Global.LogMaxSize":    c.Global.LogMaxSize,
		"Global.LogMaxBackups": c.Global.LogMaxBackups,
		"Global.LogMaxAge":     c.Global.LogMaxAge,
	} {
		if value < 0 {
			return newFieldError(field, "不能为负数")
		}
	}

	switch c.Global.Role {
	case RoleProxy:
		return c.Proxy.validate()
	case RoleStore:
		return c.Store.validate()
	}
	return newFieldError("Global.Role", "仅支持 "+supportedRoleList)
}

func (p ProxyConfig) validate() error {
	if err := validatePort(sectionField("Proxy", "ListenPort"), p.ListenPort); err != nil {
		return err
	}
	if strings.TrimSpace(p.CacheDir) == "" {
		return newFieldError(sectionField("Proxy", "CacheDir"), "不能为空")
	}
	if p.CacheCapacity <= 0 {
		return newFieldError(sectionField("Proxy", "CacheCapacity"), "必须大于 0")
	}
	if p.MaxChunkSize <= 0 {
		return newFieldError(sectionField("Proxy", "MaxChunkSize"), "必须大于 0")
	}
	if p.WriteChunkSize <= 0 {
		return newFieldError(sectionField("Proxy", "WriteChunkSize"), "必须大于 0")
	}
	if p.RemoteTimeout.DurationValue() < 0 {
		return newFieldError(sectionField("Proxy", "RemoteTimeout"), "不能为负数")
	}
	if err := validateBackingStore(p.BackingStore); err != nil {
		return fmt.Errorf("%s: %w", sectionField("Proxy", "BackingStore"), err)
	}
	return nil
}

func (s StoreConfig) validate() error {
	if err := validatePort(sectionField("Store", "ListenPort"), s.ListenPort); err != nil {
		return err
	}
	if strings.TrimSpace(s.RootPath) == "" {
		return newFieldError(sectionField("Store", "RootPath"), "不能为空")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return newFieldError(field, "必须在 1-65535")
	}
	return nil
}

func validateBackingStore(raw string) error {
	if raw == "" {
		return errors.New("缺少权威存储地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
