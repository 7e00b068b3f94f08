package cache

import (
	"context"
	"io/fs"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TriggerPrune 发出一次裁剪检查信号，从不阻塞调用方。
func (s *Store) TriggerPrune() {
	select {
	case s.pruneCh <- struct{}{}:
	default:
		// 已有待处理的裁剪信号
	}
}

// RunPruner 消费裁剪信号直到 ctx 结束，供 errgroup 托管。
func (s *Store) RunPruner(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.pruneCh:
			s.PruneIfNeeded()
		}
	}
}

// PruneIfNeeded 在配置了大小上限且超出时执行一次裁剪。
func (s *Store) PruneIfNeeded() {
	if s.maxSize <= 0 || s.db == nil {
		return
	}
	total, err := s.SizeTotal()
	if err != nil {
		s.logger.WithError(err).Warn("prune_size_failed")
		return
	}
	if total <= s.maxSize {
		return
	}
	if err := s.prune(total); err != nil {
		s.logger.WithError(err).Warn("prune_failed")
	}
}

// prune 按 last_accessed 升序淘汰（同值按摘要升序），直到释放出
// 当前用量与 90% 水位之间的差额。文件删不掉也会移除元数据行，
// 避免行与磁盘长期不一致。
func (s *Store) prune(total int64) error {
	target := s.maxSize / 10 * 9
	need := total - target

	rows, err := s.db.Query(`SELECT sha256, size FROM cache_metadata ORDER BY last_accessed ASC, sha256 ASC`)
	if err != nil {
		return errors.Wrap(err, "scan prune candidates")
	}

	type candidate struct {
		digest string
		size   int64
	}
	var victims []candidate
	var freed int64
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.digest, &c.size); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan prune row")
		}
		victims = append(victims, c)
		freed += c.size
		if freed >= need {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate prune rows")
	}

	var removed int
	var freedBytes int64
	for _, victim := range victims {
		if err := os.Remove(s.blobPath(victim.digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithError(err).WithField("digest", victim.digest).Warn("prune_unlink_failed")
		}
		if _, err := s.db.Exec(`DELETE FROM cache_metadata WHERE sha256 = ?`, victim.digest); err != nil {
			s.logger.WithError(err).WithField("digest", victim.digest).Warn("prune_delete_row_failed")
			continue
		}
		removed++
		freedBytes += victim.size
	}

	s.logger.WithFields(logrus.Fields{
		"action":      "cache_prune",
		"removed":     removed,
		"freed_bytes": freedBytes,
		"total_bytes": total,
		"target":      target,
	}).Info("缓存裁剪完成")
	return nil
}
