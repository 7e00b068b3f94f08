package proxy

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/hzrd149/flower-cache/internal/cache"
	"github.com/hzrd149/flower-cache/internal/config"
	"github.com/hzrd149/flower-cache/internal/flight"
	"github.com/hzrd149/flower-cache/internal/logging"
	"github.com/hzrd149/flower-cache/internal/upstream"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// Handler 负责 orchestrate “条件响应 → 缓存命中 → 去重回源” 的全流程，
// 对外暴露 Fiber handler，内部复用共享的缓存、取回器与在途表。
type Handler struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    *cache.Store
	fetcher  *upstream.Fetcher
	resolver *upstream.Resolver
	flight   *flight.Flight
}

// NewHandler constructs the blob handler with shared store/fetcher/resolver.
func NewHandler(
	cfg *config.Config,
	logger *logrus.Logger,
	store *cache.Store,
	fetcher *upstream.Fetcher,
	resolver *upstream.Resolver,
) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		fetcher:  fetcher,
		resolver: resolver,
		flight:   flight.New(),
	}
}

// WriteReason 输出错误响应：正文与 X-Reason 头携带同一原因串。
func WriteReason(c fiber.Ctx, status int, reason string) error {
	c.Set("X-Reason", reason)
	return c.Status(status).SendString(reason)
}

// HandleBlob 处理 GET/HEAD /<64hex>[.ext] 请求。
func (h *Handler) HandleBlob(c fiber.Ctx, digest, ext string) error {
	started := time.Now()
	etag := `"` + digest + `"`
	rangeHeader := c.Get(fiber.HeaderRange)

	// 条件响应：内容寻址的对象永不变化，命中 ETag 直接 304。
	if rangeHeader == "" && etagMatches(c.Get(fiber.HeaderIfNoneMatch), digest) {
		setBlobHeaders(c, etag, "")
		c.Status(fiber.StatusNotModified)
		return nil
	}

	if err := h.store.EnsureDir(); err != nil {
		h.logger.WithError(err).Warn("cache_dir_unavailable")
	}

	if f, size, ok := h.store.Lookup(digest); ok {
		return h.serveFile(c, f, size, digest, ext, started)
	}

	return h.serveFetch(c, ParseBlobRequest(c, digest, ext), etag, rangeHeader, started)
}

// serveFile 直接从缓存文件回应。
func (h *Handler) serveFile(c fiber.Ctx, f *os.File, size int64, digest, ext string, started time.Time) error {
	defer f.Close()

	etag := `"` + digest + `"`
	setBlobHeaders(c, etag, contentTypeFor(ext, ""))

	method := c.Method()
	if method == fiber.MethodHead {
		c.Response().Header.SetContentLength(int(size))
		c.Status(fiber.StatusOK)
		h.logBlob(digest, method, true, fiber.StatusOK, started, nil)
		return nil
	}

	if r, ok, err := parseRange(c.Get(fiber.HeaderRange), size); ok {
		if err != nil {
			h.logBlob(digest, method, true, fiber.StatusRequestedRangeNotSatisfiable, started, err)
			return WriteReason(c, fiber.StatusRequestedRangeNotSatisfiable, "Range not satisfiable")
		}
		if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
			h.logBlob(digest, method, true, fiber.StatusInternalServerError, started, err)
			return WriteReason(c, fiber.StatusInternalServerError, "Unexpected error")
		}
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
		c.Response().Header.SetContentLength(int(r.Length()))
		c.Status(fiber.StatusPartialContent)
		_, copyErr := io.CopyN(c.Response().BodyWriter(), f, r.Length())
		h.logBlob(digest, method, true, fiber.StatusPartialContent, started, copyErr)
		if copyErr != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "read cache failed")
		}
		return nil
	}

	c.Response().Header.SetContentLength(int(size))
	c.Status(fiber.StatusOK)
	_, copyErr := io.Copy(c.Response().BodyWriter(), f)
	h.logBlob(digest, method, true, fiber.StatusOK, started, copyErr)
	if copyErr != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "read cache failed")
	}
	return nil
}

// serveFetch 走未命中路径：挂到（或创建）同摘要的在途取回上。
func (h *Handler) serveFetch(c fiber.Ctx, req *ParsedRequest, etag, rangeHeader string, started time.Time) error {
	fetch, created := h.flight.GetOrCreate(req.Digest, h.produce(req))
	if created {
		h.logger.WithFields(logrus.Fields{
			"action":  "blob_fetch",
			"digest":  req.Digest,
			"hints":   len(req.Hints),
			"authors": len(req.Authors),
		}).Info("缓存未命中，发起上游取回")
	}

	<-fetch.Ready()
	if fetch.Err() != nil {
		h.logBlob(req.Digest, c.Method(), false, fiber.StatusNotFound, started, fetch.Err())
		return WriteReason(c, fiber.StatusNotFound, "Blob not found")
	}

	// 校验出结论后兜底清理中毒文件，不阻塞响应路径。
	go h.watchValidation(fetch)

	branch := fetch.NewReader()
	defer branch.Close()

	setBlobHeaders(c, etag, contentTypeFor(req.Ext, fetch.ContentType()))
	total := fetch.ContentLength()
	method := c.Method()

	if method == fiber.MethodHead {
		if total >= 0 {
			c.Response().Header.SetContentLength(int(total))
		}
		c.Status(fiber.StatusOK)
		h.logBlob(req.Digest, method, false, fiber.StatusOK, started, nil)
		return nil
	}

	if total >= 0 {
		if r, ok, err := parseRange(rangeHeader, total); ok {
			if err != nil {
				h.logBlob(req.Digest, method, false, fiber.StatusRequestedRangeNotSatisfiable, started, err)
				return WriteReason(c, fiber.StatusRequestedRangeNotSatisfiable, "Range not satisfiable")
			}
			return h.streamRange(c, req.Digest, branch, r, total, started)
		}
		c.Response().Header.SetContentLength(int(total))
	}

	c.Status(fiber.StatusOK)
	_, copyErr := io.Copy(c.Response().BodyWriter(), branch)
	h.logBlob(req.Digest, method, false, fiber.StatusOK, started, copyErr)
	if copyErr != nil {
		return WriteReason(c, fiber.StatusInternalServerError, "Stream error")
	}
	return nil
}

// streamRange 对在途分支做切片：丢弃前缀、限长输出，然后断开分支。
// 生产者侧不受影响，缓存照常填充。
func (h *Handler) streamRange(c fiber.Ctx, digest string, branch io.ReadCloser, r byteRange, total int64, started time.Time) error {
	if r.Start > 0 {
		if _, err := io.CopyN(io.Discard, branch, r.Start); err != nil {
			h.logBlob(digest, c.Method(), false, fiber.StatusInternalServerError, started, err)
			return WriteReason(c, fiber.StatusInternalServerError, "Stream error")
		}
	}
	c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total))
	c.Response().Header.SetContentLength(int(r.Length()))
	c.Status(fiber.StatusPartialContent)
	_, copyErr := io.CopyN(c.Response().BodyWriter(), branch, r.Length())
	h.logBlob(digest, c.Method(), false, fiber.StatusPartialContent, started, copyErr)
	if copyErr != nil {
		return WriteReason(c, fiber.StatusInternalServerError, "Stream error")
	}
	return nil
}

// watchValidation 等待校验结论，失败时清除可能落盘的中毒条目。
func (h *Handler) watchValidation(fetch *flight.Fetch) {
	<-fetch.HashDone()
	if fetch.HashValid() {
		return
	}
	if h.store.Delete(fetch.Digest) {
		h.logger.WithFields(logrus.Fields{
			"action": "poison_purged",
			"digest": fetch.Digest,
		}).Warn("摘要不符，已清除缓存条目")
	}
}

// setBlobHeaders 写入成功响应共有的不可变缓存头。
func setBlobHeaders(c fiber.Ctx, etag, contentType string) {
	if contentType != "" {
		c.Set(fiber.HeaderContentType, contentType)
	}
	c.Set(fiber.HeaderETag, etag)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderCacheControl, immutableCacheControl)
}

func (h *Handler) logBlob(digest, method string, cacheHit bool, status int, started time.Time, err error) {
	fields := logging.BlobFields(digest, method, cacheHit)
	fields["action"] = "blob"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("blob_failed")
		return
	}
	h.logger.WithFields(fields).Info("blob_complete")
}
