package proxy

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/hzrd149/flower-cache/internal/cache"
)

// ParsedRequest 描述一次 blob 请求：摘要、可选扩展名与候选来源提示。
// 扩展名只影响响应的 Content-Type 推断，与对象身份无关。
type ParsedRequest struct {
	Digest  string
	Ext     string
	Authors []string
	Hints   []string
}

// ParseBlobPath 解析 /<64hex>[.ext] 形式的路径。摘要统一转为小写。
func ParseBlobPath(path string) (digest, ext string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	if path == "" || strings.Contains(path, "/") {
		return "", "", false
	}
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		digest, ext = path[:idx], path[idx:]
	} else {
		digest = path
	}
	digest = strings.ToLower(digest)
	if !cache.IsDigest(digest) {
		return "", "", false
	}
	return digest, ext, true
}

// ParseBlobRequest 从 fiber 上下文提取完整的请求描述。
func ParseBlobRequest(c fiber.Ctx, digest, ext string) *ParsedRequest {
	return &ParsedRequest{
		Digest:  digest,
		Ext:     ext,
		Authors: queryValues(c, "as"),
		Hints:   queryValues(c, "sx"),
	}
}

// queryValues 读取可重复的查询参数。
func queryValues(c fiber.Ctx, key string) []string {
	raw := c.Request().URI().QueryArgs().PeekMulti(key)
	out := make([]string, 0, len(raw))
	for _, value := range raw {
		if len(value) > 0 {
			out = append(out, string(value))
		}
	}
	return out
}

// etagMatches 判断 If-None-Match 是否命中当前摘要，容忍弱校验前缀与引号。
func etagMatches(header, digest string) bool {
	if header == "" {
		return false
	}
	for _, token := range strings.Split(header, ",") {
		token = strings.TrimSpace(token)
		token = strings.TrimPrefix(token, "W/")
		token = strings.Trim(token, `"`)
		if token == "*" || strings.EqualFold(token, digest) {
			return true
		}
	}
	return false
}
