package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// OpFields 提供文件操作日志的公共字段，handle 为 0 时省略。
func OpFields(op, path string, handle uint64) logrus.Fields {
	fields := logrus.Fields{
		"action": op,
		"path":   path,
	}
	if handle != 0 {
		fields["handle"] = handle
	}
	return fields
}
