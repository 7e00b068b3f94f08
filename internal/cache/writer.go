package cache

import (
	"os"

	"github.com/pkg/errors"
)

// BlobWriter 将字节先写入缓存目录内的临时文件，Commit 时以 rename 原子落位。
// 摘要在写入完成前未知，所以目标文件名推迟到 Commit 才确定。
type BlobWriter struct {
	store *Store
	file  *os.File
	temp  string
	size  int64
	done  bool
}

// BeginWrite 在缓存目录创建临时文件并返回写入器。
func (s *Store) BeginWrite() (*BlobWriter, error) {
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp blob")
	}
	return &BlobWriter{store: s, file: f, temp: f.Name()}, nil
}

func (w *BlobWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Size 返回目前已写入的字节数。
func (w *BlobWriter) Size() int64 {
	return w.size
}

// Commit 关闭临时文件并重命名为 digest 对应的 blob 路径，返回写入大小。
func (w *BlobWriter) Commit(digest string) (int64, error) {
	if w.done {
		return 0, errors.New("blob writer already finished")
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		os.Remove(w.temp)
		return 0, errors.Wrap(err, "close temp blob")
	}
	if !IsDigest(digest) {
		os.Remove(w.temp)
		return 0, errors.Errorf("invalid digest %q", digest)
	}
	if err := os.Rename(w.temp, w.store.blobPath(digest)); err != nil {
		os.Remove(w.temp)
		return 0, errors.Wrap(err, "commit blob")
	}
	return w.size, nil
}

// Abort 丢弃临时文件，可以安全地重复调用。
func (w *BlobWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	os.Remove(w.temp)
}
