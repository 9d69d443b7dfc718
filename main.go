package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/any-hub/fileproxy/internal/config"
	"github.com/any-hub/fileproxy/internal/logging"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	role        string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.LoadWithRole(opts.configPath, opts.role)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["role"] = cfg.Global.Role
		fields["listen_port"] = cfg.ListenPort()
		if cfg.Global.Role == config.RoleProxy {
			fields["cache_capacity"] = humanize.IBytes(uint64(cfg.Proxy.CacheCapacity.Bytes()))
			fields["backing_store"] = cfg.Proxy.BackingStore
		}
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	switch cfg.Global.Role {
	case config.RoleStore:
		err = runStore(cfg, opts.configPath, logger)
	default:
		err = runProxy(cfg, opts.configPath, logger)
	}
	if err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("fileproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		roleFlag   string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 FILECACHE_CONFIG 覆盖）")
	fs.StringVar(&roleFlag, "role", "", "运行角色 proxy|store，覆盖配置文件中的 Role")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("FILECACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	role := strings.ToLower(strings.TrimSpace(roleFlag))
	if role != "" && role != config.RoleProxy && role != config.RoleStore {
		return cliOptions{}, fmt.Errorf("未知角色: %s", roleFlag)
	}

	return cliOptions{
		configPath:  path,
		role:        role,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
