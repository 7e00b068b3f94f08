package proxy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// BlobDescriptor 是上传成功后的 JSON 应答。
type BlobDescriptor struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Uploaded int64  `json:"uploaded"`
}

// HandleUpload 处理 PUT /upload：边流式落盘边计算摘要，EOF 后按摘要归位。
// 仅白名单 IP 可用。
func (h *Handler) HandleUpload(c fiber.Ctx) error {
	if !h.cfg.UploadAllowed(c.IP()) {
		return WriteReason(c, fiber.StatusForbidden, "IP not allowed")
	}

	writer, err := h.store.BeginWrite()
	if err != nil {
		h.logger.WithError(err).Warn("upload_begin_failed")
		return WriteReason(c, fiber.StatusInternalServerError, "Unexpected error")
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(hasher, writer), requestBody(c)); err != nil {
		writer.Abort()
		h.logger.WithError(err).Warn("upload_stream_failed")
		return WriteReason(c, fiber.StatusInternalServerError, "Unexpected error")
	}

	digest := hex.EncodeToString(hasher.Sum(nil))

	// 客户端声明的摘要只用于校验，以实际计算结果为准。
	if claimed := strings.ToLower(strings.TrimSpace(c.Get("X-SHA-256"))); claimed != "" && claimed != digest {
		writer.Abort()
		return WriteReason(c, fiber.StatusBadRequest, "Digest mismatch")
	}

	size, err := writer.Commit(digest)
	if err != nil {
		h.logger.WithError(err).WithField("digest", digest).Warn("upload_commit_failed")
		return WriteReason(c, fiber.StatusInternalServerError, "Unexpected error")
	}

	uploaded := time.Now().Unix()
	h.store.WriteAndRecord(digest, size, uploaded)

	h.logger.WithFields(logrus.Fields{
		"action": "upload",
		"digest": digest,
		"size":   size,
		"ip":     c.IP(),
	}).Info("blob 上传完成")

	return c.JSON(BlobDescriptor{
		URL:      c.Protocol() + "://" + c.Hostname() + "/" + digest,
		SHA256:   digest,
		Size:     size,
		Type:     c.Get(fiber.HeaderContentType),
		Uploaded: uploaded,
	})
}

// HandleDelete 处理 DELETE /<64hex>，同样受白名单约束。
func (h *Handler) HandleDelete(c fiber.Ctx, digest string) error {
	if !h.cfg.UploadAllowed(c.IP()) {
		return WriteReason(c, fiber.StatusForbidden, "IP not allowed")
	}
	if !h.store.Delete(digest) {
		return WriteReason(c, fiber.StatusNotFound, "Blob not found")
	}
	h.logger.WithFields(logrus.Fields{
		"action": "delete",
		"digest": digest,
		"ip":     c.IP(),
	}).Info("blob 已删除")
	c.Status(fiber.StatusNoContent)
	return nil
}

// requestBody 优先走流式请求体，未启用时退回内存副本。
func requestBody(c fiber.Ctx) io.Reader {
	if c.Request().IsBodyStream() {
		return c.Request().BodyStream()
	}
	return bytes.NewReader(c.Body())
}
