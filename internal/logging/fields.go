package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action 基础字段，便于不同入口复用。
func BaseFields(action string) logrus.Fields {
	return logrus.Fields{
		"action": action,
	}
}

// BlobFields 提供 digest/方法/命中状态字段，供 blob 请求日志复用。
func BlobFields(digest, method string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"digest":    digest,
		"method":    method,
		"cache_hit": cacheHit,
	}
}
