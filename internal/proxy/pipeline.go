package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hzrd149/flower-cache/internal/flight"
)

// errDigestMismatch 表示上游返回的内容哈希与请求的摘要不符。
var errDigestMismatch = errors.New("digest mismatch")

const streamChunkSize = 64 * 1024

// produce 返回一次性取回工厂：解析候选 → 逐个尝试 → 流式校验落盘。
// 同一摘要的并发请求共享同一个工厂执行。
func (h *Handler) produce(req *ParsedRequest) func(*flight.Fetch) {
	return func(f *flight.Fetch) {
		ctx := context.Background()

		servers := h.resolver.Resolve(ctx, req.Hints, req.Authors)
		if len(servers) == 0 {
			f.Fail(flight.ErrNoSource)
			return
		}

		for _, server := range servers {
			resp := h.fetcher.Fetch(ctx, server, req.Digest, req.Ext)
			if resp == nil {
				continue
			}
			h.stream(f, req.Digest, server, resp)
			return
		}
		f.Fail(flight.ErrNoSource)
	}
}

// stream 是单趟字节泵：每个分块依次喂给增量哈希、缓存写入器与广播缓冲。
// 缓存写失败只降级为“只转发”，不影响响应；传输中断则丢弃临时文件并把
// 错误传给所有订阅方。EOF 后先收尾缓存，再公布哈希结论。
func (h *Handler) stream(f *flight.Fetch, digest, server string, resp *http.Response) {
	defer resp.Body.Close()

	hasher := sha256.New()
	writer, err := h.store.BeginWrite()
	if err != nil {
		h.logger.WithError(err).WithField("digest", digest).Warn("cache_write_unavailable")
		writer = nil
	}

	f.Start(resp.Header.Get("Content-Type"), resp.ContentLength)

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			hasher.Write(chunk)
			if writer != nil {
				if _, werr := writer.Write(chunk); werr != nil {
					h.logger.WithError(werr).WithField("digest", digest).Warn("cache_write_failed")
					writer.Abort()
					writer = nil
				}
			}
			if _, werr := f.Write(chunk); werr != nil {
				// 广播缓冲只会在取回被终结后拒绝写入，直接放弃本次流。
				if writer != nil {
					writer.Abort()
				}
				f.MarkCacheWritten()
				f.SetHashValid(false)
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if writer != nil {
				writer.Abort()
			}
			f.CloseBody(readErr)
			f.MarkCacheWritten()
			f.SetHashValid(false)
			h.logger.WithError(readErr).WithFields(logrus.Fields{
				"action": "blob_fetch",
				"digest": digest,
				"server": server,
			}).Warn("上游流中断，放弃缓存写入")
			return
		}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	valid := strings.EqualFold(sum, digest)

	if writer != nil {
		if valid {
			size, commitErr := writer.Commit(digest)
			if commitErr != nil {
				h.logger.WithError(commitErr).WithField("digest", digest).Warn("cache_commit_failed")
			} else {
				h.store.WriteAndRecord(digest, size, time.Now().Unix())
			}
		} else {
			writer.Abort()
		}
	}

	f.MarkCacheWritten()
	f.SetHashValid(valid)
	if valid {
		f.CloseBody(nil)
		return
	}
	f.CloseBody(errDigestMismatch)
	h.logger.WithFields(logrus.Fields{
		"action": "blob_fetch",
		"digest": digest,
		"server": server,
		"got":    sum,
	}).Warn("上游内容摘要不符")
}
