package cache

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

var (
	digestA = strings.Repeat("a", 64)
	digestB = strings.Repeat("b", 64)
	digestC = strings.Repeat("c", 64)
)

func TestIsDigest(t *testing.T) {
	if !IsDigest(digestA) {
		t.Fatalf("全 a 摘要应合法")
	}
	for _, bad := range []string{"", "abc", strings.Repeat("A", 64), strings.Repeat("g", 64), digestA + "0"} {
		if IsDigest(bad) {
			t.Fatalf("%q 不应被识别为摘要", bad)
		}
	}
}

func TestWriteCommitLookup(t *testing.T) {
	store := newTestStore(t, 0)

	w, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite 失败: %v", err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	size, err := w.Commit(digestA)
	if err != nil {
		t.Fatalf("Commit 失败: %v", err)
	}
	if size != 6 {
		t.Fatalf("期望大小 6，得到 %d", size)
	}
	store.WriteAndRecord(digestA, size, 1700000000)

	f, gotSize, ok := store.Lookup(digestA)
	if !ok {
		t.Fatalf("落盘后应命中缓存")
	}
	defer f.Close()
	if gotSize != 6 {
		t.Fatalf("命中大小应为 6，得到 %d", gotSize)
	}
	body, err := io.ReadAll(f)
	if err != nil || string(body) != "hello\n" {
		t.Fatalf("缓存内容不符: %q err=%v", body, err)
	}

	if uploaded, ok := store.Uploaded(digestA); !ok || uploaded != 1700000000 {
		t.Fatalf("uploaded 应为 1700000000，得到 %d ok=%v", uploaded, ok)
	}
}

func TestLookupMissing(t *testing.T) {
	store := newTestStore(t, 0)
	if _, _, ok := store.Lookup(digestA); ok {
		t.Fatalf("空缓存不应命中")
	}
	if _, _, ok := store.Lookup("not-a-digest"); ok {
		t.Fatalf("非法摘要不应命中")
	}
}

func TestWriterAbortLeavesNothing(t *testing.T) {
	store := newTestStore(t, 0)
	w, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite 失败: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	w.Abort()
	w.Abort() // 重复调用应无副作用

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("读目录失败: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Fatalf("Abort 后不应残留临时文件: %s", entry.Name())
		}
	}
}

func TestCommitRejectsBadDigest(t *testing.T) {
	store := newTestStore(t, 0)
	w, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite 失败: %v", err)
	}
	if _, err := w.Commit("nope"); err == nil {
		t.Fatalf("非法摘要应拒绝 Commit")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, 0)
	writeBlob(t, store, digestA, []byte("data"))

	if !store.Delete(digestA) {
		t.Fatalf("存在的条目应返回 true")
	}
	if _, _, ok := store.Lookup(digestA); ok {
		t.Fatalf("删除后不应命中")
	}
	if store.Delete(digestA) {
		t.Fatalf("重复删除应返回 false")
	}
}

func TestDeleteRowOnly(t *testing.T) {
	store := newTestStore(t, 0)
	// 只有元数据行没有文件：Delete 仍应返回 true 并清掉行。
	store.WriteAndRecord(digestB, 4, 0)
	if !store.Delete(digestB) {
		t.Fatalf("仅存在行时也应返回 true")
	}
	if total, err := store.SizeTotal(); err != nil || total != 0 {
		t.Fatalf("删除后总量应为 0，得到 %d err=%v", total, err)
	}
}

func TestTouchInsertsRowFromFile(t *testing.T) {
	store := newTestStore(t, 0)
	if err := os.WriteFile(filepath.Join(store.Dir(), digestC), []byte("abcd"), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}

	store.Touch(digestC, -1)

	total, err := store.SizeTotal()
	if err != nil {
		t.Fatalf("SizeTotal 失败: %v", err)
	}
	if total != 4 {
		t.Fatalf("Touch 应按文件大小补行，得到 %d", total)
	}
}

func TestTouchMissingFileIsNoop(t *testing.T) {
	store := newTestStore(t, 0)
	store.Touch(digestC, -1)
	if total, _ := store.SizeTotal(); total != 0 {
		t.Fatalf("文件不存在时 Touch 应为 no-op")
	}
}

func TestRebuildFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, digestA), []byte("one"), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, digestB), []byte("three"), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}

	store := newTestStoreAt(t, dir, 0)

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count 失败: %v", err)
	}
	if count != 2 {
		t.Fatalf("重建应只收录摘要文件，得到 %d", count)
	}
	total, err := store.SizeTotal()
	if err != nil {
		t.Fatalf("SizeTotal 失败: %v", err)
	}
	if total != 8 {
		t.Fatalf("重建后总量应为 8，得到 %d", total)
	}
}

func TestCorruptMetadataRebuilds(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, digestA), []byte("blob"), 0o644); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), []byte("not a database"), 0o644); err != nil {
		t.Fatalf("写坏库失败: %v", err)
	}

	store := newTestStoreAt(t, dir, 0)

	if count, err := store.Count(); err != nil || count != 1 {
		t.Fatalf("坏库应触发重建，count=%d err=%v", count, err)
	}
	if _, _, ok := store.Lookup(digestA); !ok {
		t.Fatalf("重建后 blob 应可命中")
	}
}

// newTestStore 构建基于临时目录的 Store。
func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	return newTestStoreAt(t, t.TempDir(), maxSize)
}

func newTestStoreAt(t *testing.T, dir string, maxSize int64) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := NewStore(dir, maxSize, logger)
	if err != nil {
		t.Fatalf("创建 Store 失败: %v", err)
	}
	if err := store.EnsureReady(); err != nil {
		t.Fatalf("EnsureReady 失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeBlob(t *testing.T, store *Store, digest string, body []byte) {
	t.Helper()
	w, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite 失败: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	size, err := w.Commit(digest)
	if err != nil {
		t.Fatalf("Commit 失败: %v", err)
	}
	store.WriteAndRecord(digest, size, 0)
}
