package collab

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"doccollab/backend/internal/metrics"
	"doccollab/backend/internal/store"
)

// SnapshotSource 提供某个文档当前版本的内容（Sequencer 或 CatchUp）
type SnapshotSource interface {
	Materialize(ctx context.Context, docID string) (store.Snapshot, error)
}

type CompactorOptions struct {
	// Every 距上次快照累计多少个版本就写新快照
	Every uint64
	// Interval 有新提交且距上次快照超过这么久也写快照
	Interval time.Duration
	Workers  int
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type mark struct {
	snapshotVersion uint64
	latest          uint64
	snappedAt       time.Time
	queued          bool
}

// Compactor 后台写快照，缩短重建文档时需要重放的日志长度
type Compactor struct {
	store  store.Store
	source SnapshotSource
	opt    CompactorOptions
	log    zerolog.Logger

	mu    sync.Mutex
	marks map[string]*mark

	nudges chan string
}

func NewCompactor(s store.Store, source SnapshotSource, opt CompactorOptions) *Compactor {
	if opt.Every == 0 {
		opt.Every = 100
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	return &Compactor{
		store:  s,
		source: source,
		opt:    opt,
		log:    opt.Logger.With().Str("component", "compactor").Logger(),
		marks:  make(map[string]*mark),
		nudges: make(chan string, 256),
	}
}

// Track 记录文档加载时已有快照的版本
func (c *Compactor) Track(docID string, snapshotVersion uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.markLocked(docID)
	if snapshotVersion > m.snapshotVersion {
		m.snapshotVersion = snapshotVersion
	}
	if snapshotVersion > m.latest {
		m.latest = snapshotVersion
	}
}

func (c *Compactor) markLocked(docID string) *mark {
	m := c.marks[docID]
	if m == nil {
		m = &mark{snappedAt: time.Now()}
		c.marks[docID] = m
	}
	return m
}

// Nudge 每次提交后调用，不阻塞
func (c *Compactor) Nudge(docID string, version uint64) {
	c.mu.Lock()
	m := c.markLocked(docID)
	if version > m.latest {
		m.latest = version
	}
	due := !m.queued && m.latest-m.snapshotVersion >= c.opt.Every
	if due {
		m.queued = true
	}
	c.mu.Unlock()

	if due {
		c.enqueue(docID)
	}
}

func (c *Compactor) enqueue(docID string) {
	select {
	case c.nudges <- docID:
	default:
		// 队列满，等下一次 Nudge 或定时扫描
		c.mu.Lock()
		if m := c.marks[docID]; m != nil {
			m.queued = false
		}
		c.mu.Unlock()
	}
}

// Run 启动 worker 和定时扫描，阻塞到 ctx 结束
func (c *Compactor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.opt.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case docID := <-c.nudges:
					if _, err := c.CompactNow(ctx, docID); err != nil {
						c.log.Warn().Err(err).Str("doc", docID).Msg("snapshot failed")
					}
				}
			}
		}()
	}

	if c.opt.Interval > 0 {
		ticker := time.NewTicker(c.opt.Interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case now := <-ticker.C:
				for _, docID := range c.stale(now) {
					c.enqueue(docID)
				}
			}
		}
	}
	wg.Wait()
}

// stale 返回有新提交且超过 Interval 没写快照的文档
func (c *Compactor) stale(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for docID, m := range c.marks {
		if !m.queued && m.latest > m.snapshotVersion && now.Sub(m.snappedAt) >= c.opt.Interval {
			m.queued = true
			out = append(out, docID)
		}
	}
	return out
}

// Forget 文档从内存卸载时调用
func (c *Compactor) Forget(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.marks, docID)
}

// CompactNow 立即为文档写一份当前版本的快照
func (c *Compactor) CompactNow(ctx context.Context, docID string) (store.Snapshot, error) {
	snap, err := c.source.Materialize(ctx, docID)
	if err == nil && snap.Version > 0 {
		err = c.store.WriteSnapshot(ctx, docID, snap.Version, snap.Content)
		c.opt.Metrics.Snapshot(err)
	}

	c.mu.Lock()
	m := c.markLocked(docID)
	m.queued = false
	if err == nil {
		if snap.Version > m.snapshotVersion {
			m.snapshotVersion = snap.Version
		}
		m.snappedAt = time.Now()
	}
	c.mu.Unlock()

	if err != nil {
		return store.Snapshot{}, err
	}
	c.log.Debug().Str("doc", docID).Uint64("version", snap.Version).Msg("snapshot written")
	return snap, nil
}
