package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hzrd149/flower-cache/internal/cache"
	"github.com/hzrd149/flower-cache/internal/config"
	"github.com/hzrd149/flower-cache/internal/proxy"
)

func uploadRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	return req
}

func TestUploadStoresBlob(t *testing.T) {
	env := newProxyEnv(t, nil)
	payload := []byte("uploaded bytes")
	digest := digestOf(payload)

	resp := testRequest(t, env.app, uploadRequest(payload))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("上传应返回 200，得到 %d", resp.StatusCode)
	}

	var desc proxy.BlobDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		t.Fatalf("解析描述符失败: %v", err)
	}
	if desc.SHA256 != digest {
		t.Fatalf("描述符摘要不符: %s", desc.SHA256)
	}
	if desc.Size != int64(len(payload)) {
		t.Fatalf("描述符大小不符: %d", desc.Size)
	}
	if desc.Uploaded == 0 {
		t.Fatalf("描述符应携带上传时间")
	}

	if !blobExists(env, digest) {
		t.Fatalf("上传后文件应存在")
	}
	if uploaded, ok := env.store.Uploaded(digest); !ok || uploaded == 0 {
		t.Fatalf("上传时间应记录在元数据中")
	}

	// 上传后的内容可以直接被 GET 命中。
	getResp := testRequest(t, env.app, httptest.NewRequest(http.MethodGet, "/"+digest, nil))
	body, _ := io.ReadAll(getResp.Body)
	getResp.Body.Close()
	if !bytes.Equal(body, payload) {
		t.Fatalf("上传内容应可回读")
	}
}

func TestUploadDigestMismatchRejected(t *testing.T) {
	env := newProxyEnv(t, nil)
	payload := []byte("whatever")

	req := uploadRequest(payload)
	req.Header.Set("X-SHA-256", digestOf([]byte("something else")))
	resp := testRequest(t, env.app, req)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("声明摘要不符应返回 400，得到 %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Reason"); got != "Digest mismatch" {
		t.Fatalf("X-Reason 不符: %q", got)
	}
	if blobExists(env, digestOf(payload)) {
		t.Fatalf("被拒绝的上传不应落盘")
	}
}

func TestUploadForbiddenForUnknownIP(t *testing.T) {
	env := newProxyEnv(t, func(cfg *config.Config) {
		cfg.AllowedUploadIPs = []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}
	})

	resp := testRequest(t, env.app, uploadRequest([]byte("nope")))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("白名单外应返回 403，得到 %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Reason"); got != "IP not allowed" {
		t.Fatalf("X-Reason 不符: %q", got)
	}
}

func TestDeleteBlob(t *testing.T) {
	env := newProxyEnv(t, nil)
	payload := []byte("delete me")
	digest := digestOf(payload)
	env.seedBlob(t, digest, payload)

	resp := testRequest(t, env.app, httptest.NewRequest(http.MethodDelete, "/"+digest, nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("删除应返回 204，得到 %d", resp.StatusCode)
	}
	if blobExists(env, digest) {
		t.Fatalf("删除后文件不应存在")
	}

	resp2 := testRequest(t, env.app, httptest.NewRequest(http.MethodDelete, "/"+digest, nil))
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("重复删除应返回 404，得到 %d", resp2.StatusCode)
	}
}

func TestUploadsTriggerPrune(t *testing.T) {
	env := newProxyEnv(t, func(cfg *config.Config) {
		cfg.MaxCacheSize = 1000
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.store.RunPruner(ctx)

	var digests []string
	for i := 0; i < 3; i++ {
		payload := bytes.Repeat([]byte{byte('1' + i)}, 400)
		digests = append(digests, digestOf(payload))
		resp := testRequest(t, env.app, uploadRequest(payload))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("上传 %d 失败: %d", i, resp.StatusCode)
		}
		// 拉开 last_accessed，保证淘汰顺序可预期。
		time.Sleep(30 * time.Millisecond)
	}

	waitFor(t, 5*time.Second, "裁剪到水位以下", func() bool {
		total, err := env.store.SizeTotal()
		return err == nil && total <= 900
	})

	if blobExists(env, digests[0]) {
		t.Fatalf("最旧的条目应被淘汰")
	}
	if !blobExists(env, digests[1]) || !blobExists(env, digests[2]) {
		t.Fatalf("较新的条目应保留")
	}
}

func TestMetadataRebuildKeepsBlobsServable(t *testing.T) {
	env := newProxyEnv(t, nil)
	payload := []byte("survives rebuild")
	digest := digestOf(payload)
	env.seedBlob(t, digest, payload)

	if err := env.store.Close(); err != nil {
		t.Fatalf("关闭 Store 失败: %v", err)
	}
	if err := os.Remove(filepath.Join(env.dir, cache.MetadataFile)); err != nil {
		t.Fatalf("删除元数据库失败: %v", err)
	}

	// 同一目录上重建完整栈，模拟重启。
	env2 := newProxyEnv(t, func(cfg *config.Config) {
		cfg.CacheDir = env.dir
	})

	resp := testRequest(t, env2.app, httptest.NewRequest(http.MethodGet, "/"+digest, nil))
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, payload) {
		t.Fatalf("重建后 blob 应仍可取回")
	}

	total, err := env2.store.SizeTotal()
	if err != nil {
		t.Fatalf("SizeTotal 失败: %v", err)
	}
	if total != int64(len(payload)) {
		t.Fatalf("重建后的总量应等于文件大小之和，得到 %d", total)
	}
}
