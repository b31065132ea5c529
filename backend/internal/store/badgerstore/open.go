// Package badgerstore 基于 BadgerDB 的嵌入式 store.Store 实现。
//
// 键布局（\x00 分隔，版本号补零到 20 位，保证字典序即版本序）：
//
//	doc\x00{docID}                    -> Document(JSON)
//	op\x00{docID}\x00{version}        -> ot.Operation(JSON)
//	snap\x00{docID}\x00{version}      -> Snapshot(JSON)
//	member\x00{docID}\x00{userID}     -> "1"
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

type Config struct {
	// Path 数据目录，InMemory 为 true 时忽略
	Path     string
	InMemory bool
	// SyncWrites 提交前 fsync，操作日志的持久化语义依赖它
	SyncWrites bool
	Logger     *zerolog.Logger
}

func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig 测试用：不落盘
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger 把 badger 的日志接口适配到 zerolog
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

func openDB(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// RunValueLogGC 周期性回收 value log，直到 ctx 结束。内存模式下直接返回。
func (s *Store) RunValueLogGC(ctx context.Context, interval time.Duration, ratio float64) {
	if s.inMemory || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 一次 GC 可能只回收一个文件，循环到没有可回收的为止
			for {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn().Err(err).Msg("value log gc failed")
					}
					break
				}
			}
		}
	}
}
