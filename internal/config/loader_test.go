package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "absent.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
[Proxy]
CacheDir = "./cache"
BackingStore = "http://127.0.0.1:5001"
RemoteTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsInvalidCapacity(t *testing.T) {
	cfg := `
[Proxy]
BackingStore = "http://127.0.0.1:5001"
CacheCapacity = "a lot"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效容量应失败")
	}
}

func TestLoadKeepsZeroRemoteTimeout(t *testing.T) {
	cfg := `
[Proxy]
BackingStore = "http://127.0.0.1:5001"
CacheCapacity = 4096
RemoteTimeout = 0
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Proxy.RemoteTimeout.DurationValue() != 0 {
		t.Fatalf("显式 0 应保留为不设超时，实际 %s", loaded.Proxy.RemoteTimeout.DurationValue())
	}
	if loaded.Proxy.CacheCapacity != 4096 {
		t.Fatalf("整数容量应按字节解析，实际 %d", loaded.Proxy.CacheCapacity)
	}
	if loaded.Proxy.RemoteTimeout.DurationValue() == 30*time.Second {
		t.Fatalf("显式 0 不应回退默认值")
	}
}
