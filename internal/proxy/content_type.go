package proxy

import (
	"mime"
	"strings"
)

const defaultContentType = "application/octet-stream"

// contentTypeFor 选择响应的 Content-Type：上游声明优先，其次按扩展名推断，
// 最后退回 application/octet-stream。
func contentTypeFor(ext, upstream string) string {
	if upstream != "" {
		return upstream
	}
	if inferred := inferContentType(ext); inferred != "" {
		return inferred
	}
	return defaultContentType
}

// inferContentType 按常见扩展名推断类型，其余交给 mime 表。
func inferContentType(ext string) string {
	switch strings.ToLower(ext) {
	case "":
		return ""
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	case ".pdf":
		return "application/pdf"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	}
	if byTable := mime.TypeByExtension(strings.ToLower(ext)); byTable != "" {
		return byTable
	}
	return ""
}
