package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hzrd149/flower-cache/internal/proxy"
)

// BlobHandler describes the component serving blob traffic. It allows
// injecting fake handlers during tests.
type BlobHandler interface {
	HandleBlob(c fiber.Ctx, digest, ext string) error
	HandleUpload(c fiber.Ctx) error
	HandleDelete(c fiber.Ctx, digest string) error
	HandleStats(c fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Handler    BlobHandler
	ListenPort int
}

const contextKeyRequestID = "_flowercache_request_id"

// NewApp builds a Fiber application with CORS/request-ID middleware and the
// method dispatch table.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("blob handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:     true,
		StreamRequestBody: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		return dispatch(c, opts.Handler)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并给所有响应补上 CORS 头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		return c.Next()
	}
}

// dispatch 按方法与路径形状路由请求；方法名大小写不敏感。
func dispatch(c fiber.Ctx, handler BlobHandler) error {
	method := strings.ToUpper(c.Method())
	path := string(c.Request().URI().Path())

	switch method {
	case fiber.MethodOptions:
		return preflight(c)

	case fiber.MethodGet, fiber.MethodHead:
		if path == "/" {
			if method == fiber.MethodGet {
				return handler.HandleStats(c)
			}
			return proxy.WriteReason(c, fiber.StatusMethodNotAllowed, "Method not allowed")
		}
		digest, ext, ok := proxy.ParseBlobPath(path)
		if !ok {
			return proxy.WriteReason(c, fiber.StatusBadRequest, "Invalid path")
		}
		return handler.HandleBlob(c, digest, ext)

	case fiber.MethodPut:
		if path == "/upload" {
			return handler.HandleUpload(c)
		}
		return proxy.WriteReason(c, fiber.StatusMethodNotAllowed, "Method not allowed")

	case fiber.MethodDelete:
		digest, _, ok := proxy.ParseBlobPath(path)
		if !ok {
			return proxy.WriteReason(c, fiber.StatusBadRequest, "Invalid path")
		}
		return handler.HandleDelete(c, digest)

	default:
		return proxy.WriteReason(c, fiber.StatusMethodNotAllowed, "Method not allowed")
	}
}

// preflight 输出 CORS 预检应答。
func preflight(c fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowMethods, "GET, HEAD, PUT, DELETE")
	c.Set(fiber.HeaderAccessControlAllowHeaders, "Authorization, *")
	c.Set(fiber.HeaderAccessControlMaxAge, "86400")
	c.Status(fiber.StatusNoContent)
	return nil
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
