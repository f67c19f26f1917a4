package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供分类/策略/响应来源字段，供代理请求日志复用。
func RequestFields(class, strategy, source, key string) logrus.Fields {
	return logrus.Fields{
		"class":     class,
		"strategy":  strategy,
		"source":    source,
		"key":       key,
		"cache_hit": source == "cache" || source == "stale" || source == "fallback",
	}
}
