package cache

import (
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsDigest 判断给定字符串是否为 64 位小写十六进制摘要。
func IsDigest(value string) bool {
	return digestPattern.MatchString(value)
}

// Store 独占管理 <cache_dir> 下的 blob 文件与 sqlite 元数据。
// 所有磁盘写入都经过临时文件 + rename，保证不会出现半截缓存条目。
type Store struct {
	dir     string
	maxSize int64 // 0 表示不限制
	logger  *logrus.Logger

	db      *sql.DB
	pruneCh chan struct{}
	now     func() time.Time
}

// NewStore 以 dir 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(dir string, maxSize int64, logger *logrus.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve cache dir")
	}
	return &Store{
		dir:     abs,
		maxSize: maxSize,
		logger:  logger,
		pruneCh: make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

// Dir 返回缓存根目录的绝对路径。
func (s *Store) Dir() string {
	return s.dir
}

// EnsureReady 创建缓存目录并打开元数据库；新库或坏库会触发一次目录重建。
func (s *Store) EnsureReady() error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	return s.openMetadata()
}

// EnsureDir 确保缓存目录存在，供请求热路径低成本调用。
func (s *Store) EnsureDir() error {
	return errors.Wrap(os.MkdirAll(s.dir, 0o755), "create cache dir")
}

// Close 关闭元数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// blobPath 返回 digest 对应的 blob 文件路径。
func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.dir, digest)
}

// Lookup 返回缓存命中的文件句柄与大小，并异步刷新 last_accessed。
// 未命中返回 (nil, 0, false)。
func (s *Store) Lookup(digest string) (*os.File, int64, bool) {
	if !IsDigest(digest) {
		return nil, 0, false
	}
	f, err := os.Open(s.blobPath(digest))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithError(err).WithField("digest", digest).Warn("cache_open_failed")
		}
		return nil, 0, false
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, 0, false
	}

	size := info.Size()
	go s.Touch(digest, size)
	return f, size, true
}

// Touch 刷新 last_accessed，保留 uploaded。size 传负值表示未知，
// 此时回退到库内大小或文件 stat；文件也不存在则直接放弃。
func (s *Store) Touch(digest string, size int64) {
	if s.db == nil || !IsDigest(digest) {
		return
	}
	nowMs := s.now().UnixMilli()

	res, err := s.db.Exec(`UPDATE cache_metadata SET last_accessed = ? WHERE sha256 = ?`, nowMs, digest)
	if err != nil {
		s.logger.WithError(err).WithField("digest", digest).Warn("cache_touch_failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return
	}

	if size < 0 {
		info, statErr := os.Stat(s.blobPath(digest))
		if statErr != nil {
			return
		}
		size = info.Size()
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO cache_metadata (sha256, last_accessed, size, uploaded) VALUES (?, ?, ?, NULL)`,
		digest, nowMs, size,
	)
	if err != nil {
		s.logger.WithError(err).WithField("digest", digest).Warn("cache_touch_failed")
	}
}

// SizeTotal 返回元数据记录的缓存总字节数。
func (s *Store) SizeTotal() (int64, error) {
	if s.db == nil {
		return 0, errors.New("metadata db not ready")
	}
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM cache_metadata`).Scan(&total)
	return total, errors.Wrap(err, "sum cache size")
}

// WriteAndRecord 为新落盘的文件登记元数据，并触发一次后台裁剪检查。
func (s *Store) WriteAndRecord(digest string, size int64, uploaded int64) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache_metadata (sha256, last_accessed, size, uploaded) VALUES (?, ?, ?, ?)`,
		digest, s.now().UnixMilli(), size, uploaded,
	)
	if err != nil {
		s.logger.WithError(err).WithField("digest", digest).Warn("cache_record_failed")
	}
	s.TriggerPrune()
}

// Delete 移除 blob 文件与元数据行，任意一者存在即返回 true。
func (s *Store) Delete(digest string) bool {
	if !IsDigest(digest) {
		return false
	}
	removed := false
	if err := os.Remove(s.blobPath(digest)); err == nil {
		removed = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).WithField("digest", digest).Warn("cache_unlink_failed")
	}

	if s.db != nil {
		res, err := s.db.Exec(`DELETE FROM cache_metadata WHERE sha256 = ?`, digest)
		if err != nil {
			s.logger.WithError(err).WithField("digest", digest).Warn("cache_delete_row_failed")
		} else if n, _ := res.RowsAffected(); n > 0 {
			removed = true
		}
	}
	return removed
}

// Uploaded 返回记录的上传时间（秒），没有记录或为 NULL 时返回 false。
func (s *Store) Uploaded(digest string) (int64, bool) {
	if s.db == nil {
		return 0, false
	}
	var uploaded sql.NullInt64
	err := s.db.QueryRow(`SELECT uploaded FROM cache_metadata WHERE sha256 = ?`, digest).Scan(&uploaded)
	if err != nil || !uploaded.Valid {
		return 0, false
	}
	return uploaded.Int64, true
}

// Count 返回元数据记录的条目数，供统计页使用。
func (s *Store) Count() (int64, error) {
	if s.db == nil {
		return 0, errors.New("metadata db not ready")
	}
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_metadata`).Scan(&count)
	return count, errors.Wrap(err, "count cache rows")
}
