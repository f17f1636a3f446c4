package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ConnFields 描述一个客户端连接：连接 ID、所属 worker 槽位与远端地址。
func ConnFields(connID string, slot int, remote string) logrus.Fields {
	return logrus.Fields{
		"conn_id": connID,
		"slot":    slot,
		"remote":  remote,
	}
}

// RequestFields 提供缓存键、Host、上游状态码与命中状态字段，供代理请求日志复用。
func RequestFields(key, host string, status int, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"key":          key,
		"host":         host,
		"status":       status,
		"cache_status": cacheStatus,
	}
}
