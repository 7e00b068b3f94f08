package cache

import (
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// MetadataFile 是缓存目录内嵌入式数据库的文件名，以点开头避开目录重建扫描。
const MetadataFile = ".cache-metadata.db"

// openMetadata 打开 sqlite 元数据库并准备 schema。
// 新建库会执行一次目录重建；schema 不可读时删库重试一次。
func (s *Store) openMetadata() error {
	dbPath := filepath.Join(s.dir, MetadataFile)
	fresh := !fileExists(dbPath)

	db, err := openSQLite(dbPath)
	if err == nil {
		err = ensureSchema(db)
	}
	if err != nil {
		// 坏库只重建一次，仍失败则放弃元数据（文件服务不受影响）。
		s.logger.WithError(err).Warn("metadata_unreadable")
		if db != nil {
			db.Close()
		}
		if rmErr := os.Remove(dbPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return errors.Wrap(rmErr, "remove corrupt metadata db")
		}
		db, err = openSQLite(dbPath)
		if err == nil {
			err = ensureSchema(db)
		}
		if err != nil {
			return errors.Wrap(err, "reopen metadata db")
		}
		fresh = true
	}

	s.db = db
	if fresh {
		if err := s.RebuildFromDirectory(); err != nil {
			s.logger.WithError(err).Warn("metadata_rebuild_failed")
		}
	}
	return nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "exec %s", pragma)
		}
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_metadata (
			sha256 TEXT PRIMARY KEY,
			last_accessed INTEGER,
			size INTEGER,
			uploaded INTEGER NULL
		)`)
	if err != nil {
		return errors.Wrap(err, "create cache_metadata")
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS cache_metadata_last_accessed ON cache_metadata (last_accessed)`)
	if err != nil {
		return errors.Wrap(err, "create last_accessed index")
	}
	// 简单探测 schema 是否可读，坏库在这里暴露出来。
	var probe int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM cache_metadata`).Scan(&probe); err != nil {
		return errors.Wrap(err, "probe cache_metadata")
	}
	return nil
}

// RebuildFromDirectory 扫描缓存目录并在单个事务内重写全部元数据。
// 点文件与命名不是合法摘要的文件一律跳过。
func (s *Store) RebuildFromDirectory() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "scan cache dir")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin rebuild tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_metadata`); err != nil {
		return errors.Wrap(err, "clear cache_metadata")
	}

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || entry.IsDir() || !IsDigest(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtimeMs := info.ModTime().UnixMilli()
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO cache_metadata (sha256, last_accessed, size, uploaded) VALUES (?, ?, ?, ?)`,
			name, mtimeMs, info.Size(), mtimeMs/1000,
		)
		if err != nil {
			return errors.Wrapf(err, "insert %s", name)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit rebuild tx")
	}

	s.logger.WithField("blobs", count).Info("metadata_rebuilt")
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
