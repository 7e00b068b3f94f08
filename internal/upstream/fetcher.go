package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// errRedirectDropsDigest 表示重定向目标不再包含请求的摘要。
var errRedirectDropsDigest = errors.New("redirect target drops digest")

// Fetcher 对单个候选服务器执行带超时与受限重定向的完整对象 GET。
// 代理始终请求完整对象，以便在一次流式传输内完成摘要校验。
type Fetcher struct {
	transport    *http.Transport
	timeout      time.Duration
	maxRedirects int
	logger       *logrus.Logger
}

// NewFetcher 构造共享 transport 的取回器。
func NewFetcher(timeout time.Duration, maxRedirects int, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		transport:    defaultTransport.Clone(),
		timeout:      timeout,
		maxRedirects: maxRedirects,
		logger:       logger,
	}
}

// Fetch 尝试从 server 下载 digest。server 缺少 scheme 时先试 https，
// 传输层错误再降级 http。失败返回 nil。
func (f *Fetcher) Fetch(ctx context.Context, server, digest, ext string) *http.Response {
	if strings.Contains(server, "://") {
		resp, err := f.fetchURL(ctx, blobURL(server, digest, ext), digest)
		if err != nil {
			f.logger.WithError(err).WithFields(logrus.Fields{
				"action": "upstream_fetch",
				"server": server,
				"digest": digest,
			}).Debug("上游请求失败")
		}
		return resp
	}

	resp, err := f.fetchURL(ctx, blobURL("https://"+server, digest, ext), digest)
	if resp != nil {
		return resp
	}
	if err == nil {
		// https 侧给出了明确的 HTTP 失败（404 等），不再降级。
		return nil
	}
	resp, err = f.fetchURL(ctx, blobURL("http://"+server, digest, ext), digest)
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"action": "upstream_fetch",
			"server": server,
			"digest": digest,
		}).Debug("上游请求失败")
	}
	return resp
}

// fetchURL 执行单次 GET。返回值约定：响应可用时 resp 非 nil；
// 传输层错误时 err 非 nil；HTTP 层失败（404 等）时两者皆 nil。
func (f *Fetcher) fetchURL(ctx context.Context, rawURL, digest string) (*http.Response, error) {
	client := &http.Client{
		Timeout:   f.timeout,
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > f.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", f.maxRedirects)
			}
			// 防止重定向把请求换成别的对象
			if !strings.Contains(req.URL.String(), digest) {
				return errRedirectDropsDigest
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
		return resp, nil
	}
	resp.Body.Close()
	return nil, nil
}

func blobURL(server, digest, ext string) string {
	return strings.TrimRight(server, "/") + "/" + digest + ext
}
