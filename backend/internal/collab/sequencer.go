package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"doccollab/backend/internal/metrics"
	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

var tracer = otel.Tracer("doccollab.collab")

// Publisher 把已提交的操作推给文档的所有会话。
// Sequencer 在持有排序权时调用它，所以实现必须立即返回，不能做 I/O。
type Publisher interface {
	Publish(op ot.Operation, originSessionID string)
}

// Watcher 报告文档在本实例上是否还有会话。有会话的文档不会被卸载，
// 否则卸载期间其他实例的提交不会推给这些会话。Publisher 实现了它就会被用上。
type Watcher interface {
	Watching(docID string) bool
}

// Nudger 提交后通知快照压缩
type Nudger interface {
	Track(docID string, snapshotVersion uint64)
	Nudge(docID string, version uint64)
	Forget(docID string)
}

// Proposal 客户端提交的一次编辑，位置相对 BaseVersion 时的文档
type Proposal struct {
	DocumentID  string
	SessionID   string
	AuthorID    uint64
	ClientID    string
	ClientSeq   uint64
	BaseVersion uint64
	Kind        ot.Kind
	Position    int
	Length      int
	Payload     string
}

func (p Proposal) operation() ot.Operation {
	return ot.Operation{
		DocumentID:  p.DocumentID,
		AuthorID:    p.AuthorID,
		Kind:        p.Kind,
		Position:    p.Position,
		Length:      p.Length,
		Payload:     p.Payload,
		BaseVersion: p.BaseVersion,
		ClientID:    p.ClientID,
		ClientSeq:   p.ClientSeq,
	}
}

type SequencerOptions struct {
	// RecentOps 每个文档在内存里保留的最近操作数，rebase 距离在这之内就不用读日志
	RecentOps int
	// MaxConflictRetries 多实例写同一文档时，追加冲突后重新加载再试的次数
	MaxConflictRetries int
	Publisher          Publisher
	Events             EventSink
	Compactor          Nudger
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

// docState 单个文档的排序状态。sem 容量为 1，谁拿到谁就拥有这个文档的排序权，
// 下面的字段只能在持有排序权时读写。
type docState struct {
	sem chan struct{}

	evicted  bool
	loaded   bool
	archived bool
	version  uint64
	buf      *PieceTable
	lastUsed time.Time

	// 最近提交的操作，按版本递增
	recent []ot.Operation
	// 去重窗口：每个 clientId 已提交的最大 clientSeq
	lastSeqByClient map[string]uint64
}

// Sequencer 为每个文档分配全序：校验、变换、持久化、发布。不同文档之间互不阻塞。
type Sequencer struct {
	store   store.Store
	oplog   *OpLog
	catchUp *CatchUp
	opt     SequencerOptions
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	docs map[string]*docState

	now func() time.Time
}

func NewSequencer(s store.Store, opt SequencerOptions) *Sequencer {
	if opt.RecentOps <= 0 {
		opt.RecentOps = 1024
	}
	if opt.MaxConflictRetries <= 0 {
		opt.MaxConflictRetries = 3
	}
	oplog := NewOpLog(s)
	return &Sequencer{
		store:   s,
		oplog:   oplog,
		catchUp: NewCatchUp(s, oplog),
		opt:     opt,
		log:     opt.Logger.With().Str("component", "sequencer").Logger(),
		metrics: opt.Metrics,
		docs:    make(map[string]*docState),
		now:     time.Now,
	}
}

// SetPublisher 注册表和 Sequencer 互相依赖，启动时再接上；开始处理请求后不能再改
func (s *Sequencer) SetPublisher(p Publisher) {
	s.opt.Publisher = p
}

func (s *Sequencer) SetCompactor(n Nudger) {
	s.opt.Compactor = n
}

func (s *Sequencer) OpLog() *OpLog {
	return s.oplog
}

func (s *Sequencer) state(docID string) *docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.docs[docID]
	if ds == nil {
		ds = &docState{
			sem:             make(chan struct{}, 1),
			lastSeqByClient: make(map[string]uint64),
		}
		s.docs[docID] = ds
	}
	return ds
}

// lock 取得文档的排序权。拿到的状态如果已经被卸载，就换成新的重来。
func (s *Sequencer) lock(ctx context.Context, docID string) (*docState, error) {
	for {
		ds := s.state(docID)
		select {
		case ds.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for document %s: %v", ErrRejected, docID, ctx.Err())
		}
		if !ds.evicted {
			ds.lastUsed = s.now()
			return ds, nil
		}
		<-ds.sem
	}
}

func (ds *docState) unlock() {
	<-ds.sem
}

// ensureLoaded 首次使用时从快照 + 日志重建内容
func (s *Sequencer) ensureLoaded(ctx context.Context, docID string, ds *docState) error {
	if ds.loaded {
		return nil
	}
	m, err := s.catchUp.materialize(ctx, docID)
	if err != nil {
		return err
	}
	ds.buf = m.buf
	ds.version = m.version
	ds.archived = m.doc.Archived
	for _, op := range m.tail {
		ds.remember(op)
	}
	ds.recent = ds.recent[:0]
	if n := len(m.tail); n > s.opt.RecentOps {
		m.tail = m.tail[n-s.opt.RecentOps:]
	}
	ds.recent = append(ds.recent, m.tail...)
	ds.loaded = true
	if s.opt.Compactor != nil {
		s.opt.Compactor.Track(docID, m.snapshotVersion)
	}
	s.log.Debug().Str("doc", docID).Uint64("version", m.version).Uint64("snapshot", m.snapshotVersion).Msg("document loaded")
	return nil
}

// Propose 把一个提案排进文档的全序。成功返回带版本号的已提交操作（位置已变换到提交时的坐标）。
func (s *Sequencer) Propose(ctx context.Context, p Proposal) (ot.Operation, error) {
	ctx, span := tracer.Start(ctx, "Sequencer.Propose", trace.WithAttributes(
		attribute.String("document.id", p.DocumentID),
		attribute.Int64("base_version", int64(p.BaseVersion)),
		attribute.String("op.kind", string(p.Kind)),
	))
	defer span.End()

	start := s.now()
	op, depth, err := s.propose(ctx, p)
	if err != nil {
		code, _ := Classify(err)
		s.metrics.ObserveFailure(code)
		span.SetAttributes(attribute.String("error.code", code))
		if code == CodeInternal || code == CodeDocumentUnavailable {
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
		return ot.Operation{}, err
	}
	s.metrics.ObserveCommit(start, depth)
	span.SetAttributes(
		attribute.Int64("committed_version", int64(op.Version)),
		attribute.Int("transform_depth", depth),
	)
	return op, nil
}

func (s *Sequencer) propose(ctx context.Context, p Proposal) (ot.Operation, int, error) {
	op := p.operation()
	if err := op.Validate(); err != nil {
		return ot.Operation{}, 0, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	ds, err := s.lock(ctx, p.DocumentID)
	if err != nil {
		return ot.Operation{}, 0, err
	}
	defer ds.unlock()

	if err := s.ensureLoaded(ctx, p.DocumentID, ds); err != nil {
		return ot.Operation{}, 0, err
	}
	if ds.archived {
		return ot.Operation{}, 0, ErrDocumentArchived
	}
	if p.ClientID != "" && p.ClientSeq > 0 && p.ClientSeq <= ds.lastSeqByClient[p.ClientID] {
		return ot.Operation{}, 0, fmt.Errorf("%w: client %s seq %d", ErrDuplicateSubmission, p.ClientID, p.ClientSeq)
	}

	for attempt := 0; ; attempt++ {
		if p.BaseVersion > ds.version {
			return ot.Operation{}, 0, fmt.Errorf("%w: base %d, current %d", ErrInvalidBaseVersion, p.BaseVersion, ds.version)
		}
		history, err := s.history(ctx, p.DocumentID, ds, p.BaseVersion)
		if err != nil {
			return ot.Operation{}, 0, err
		}

		candidate := ot.TransformAll(op, history)
		if err := candidate.CheckBounds(ds.buf.Len()); err != nil {
			return ot.Operation{}, 0, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		candidate.ID = uuid.NewString()
		candidate.Timestamp = s.now().UTC()

		committed, err := s.oplog.append(ctx, p.DocumentID, ds.version, candidate)
		if errors.Is(err, store.ErrVersionConflict) {
			// 另一个实例先写了这个文档：重新加载后基于新的历史再变换一次
			if attempt >= s.opt.MaxConflictRetries {
				return ot.Operation{}, 0, fmt.Errorf("%w: too many version conflicts", ErrRejected)
			}
			s.metrics.ObserveRetry()
			if _, err := s.syncLocked(ctx, p.DocumentID, ds); err != nil {
				return ot.Operation{}, 0, err
			}
			if ds.archived {
				return ot.Operation{}, 0, ErrDocumentArchived
			}
			if p.ClientID != "" && p.ClientSeq > 0 && p.ClientSeq <= ds.lastSeqByClient[p.ClientID] {
				return ot.Operation{}, 0, fmt.Errorf("%w: client %s seq %d", ErrDuplicateSubmission, p.ClientID, p.ClientSeq)
			}
			continue
		}
		if err != nil {
			return ot.Operation{}, 0, err
		}

		s.commitLocked(p.DocumentID, ds, committed, p.SessionID)
		return committed, len(history), nil
	}
}

// history 返回 (base, 当前版本] 内的已提交操作
func (s *Sequencer) history(ctx context.Context, docID string, ds *docState, base uint64) ([]ot.Operation, error) {
	if base == ds.version {
		return nil, nil
	}
	if n := len(ds.recent); n > 0 && ds.recent[0].Version <= base+1 {
		idx := int(base + 1 - ds.recent[0].Version)
		return ds.recent[idx:], nil
	}
	ops, err := s.oplog.ReadRange(ctx, docID, base, ds.version)
	if err != nil {
		return nil, err
	}
	if uint64(len(ops)) != ds.version-base {
		return nil, fmt.Errorf("%w: document %s has %d ops in (%d, %d]", ErrLogGap, docID, len(ops), base, ds.version)
	}
	return ops, nil
}

// commitLocked 持久化成功之后更新内存状态并发布，调用方持有排序权
func (s *Sequencer) commitLocked(docID string, ds *docState, op ot.Operation, originSessionID string) {
	s.applyLocked(docID, ds, op, originSessionID)
	if s.opt.Events != nil {
		s.opt.Events.TryEnqueue(NewDocOpEvent(op))
	}
	if s.opt.Compactor != nil {
		s.opt.Compactor.Nudge(docID, op.Version)
	}
}

// applyLocked 把一条已经落盘的操作并入内存状态并推给本地会话
func (s *Sequencer) applyLocked(docID string, ds *docState, op ot.Operation, originSessionID string) {
	if err := ds.buf.Apply(op.Delta()); err != nil {
		// 日志里已经有这条操作，下次使用时从存储重建
		s.log.Error().Err(err).Str("doc", docID).Uint64("version", op.Version).Msg("apply committed op to buffer")
		ds.loaded = false
	}
	ds.version = op.Version

	if len(ds.recent) >= s.opt.RecentOps {
		copy(ds.recent, ds.recent[1:])
		ds.recent = ds.recent[:len(ds.recent)-1]
	}
	ds.recent = append(ds.recent, op)
	ds.remember(op)

	if s.opt.Publisher != nil {
		s.opt.Publisher.Publish(op, originSessionID)
	}
}

func (ds *docState) remember(op ot.Operation) {
	if op.ClientID != "" && op.ClientSeq > ds.lastSeqByClient[op.ClientID] {
		ds.lastSeqByClient[op.ClientID] = op.ClientSeq
	}
}

// syncLocked 补上其他实例已经写进存储、本实例还没见过的操作，按版本顺序推给本地会话，
// 同时刷新归档状态。返回补进来的操作数。
func (s *Sequencer) syncLocked(ctx context.Context, docID string, ds *docState) (int, error) {
	ops, err := s.oplog.ReadSince(ctx, docID, ds.version)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		s.applyLocked(docID, ds, op, "")
	}
	if len(ops) > 0 {
		s.log.Debug().Str("doc", docID).Int("count", len(ops)).Uint64("version", ds.version).Msg("caught up with other writers")
	}
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return len(ops), fmt.Errorf("%w: load document %s: %v", ErrDocumentUnavailable, docID, err)
	}
	ds.archived = doc.Archived
	if !ds.loaded {
		return len(ops), s.ensureLoaded(ctx, docID, ds)
	}
	return len(ops), nil
}

// Sync 让已加载的文档追上存储里的最新版本，未加载的文档什么也不做
func (s *Sequencer) Sync(ctx context.Context, docID string) (int, error) {
	ds, err := s.lock(ctx, docID)
	if err != nil {
		return 0, err
	}
	defer ds.unlock()
	if !ds.loaded {
		return 0, nil
	}
	return s.syncLocked(ctx, docID, ds)
}

// SyncLoaded 对所有已加载、当前空闲的文档执行一次 Sync，返回补进来的操作总数
func (s *Sequencer) SyncLoaded(ctx context.Context) int {
	n := 0
	for id, ds := range s.snapshotDocs() {
		select {
		case ds.sem <- struct{}{}:
		default:
			continue
		}
		if !ds.evicted && ds.loaded {
			got, err := s.syncLocked(ctx, id, ds)
			if err != nil {
				s.log.Warn().Err(err).Str("doc", id).Msg("sync with store failed")
			}
			n += got
		}
		<-ds.sem
	}
	return n
}

// RunSync 多实例共享存储时定期拉取其他实例的提交，阻塞到 ctx 结束
func (s *Sequencer) RunSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncLoaded(ctx)
		}
	}
}

func (s *Sequencer) snapshotDocs() map[string]*docState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*docState, len(s.docs))
	for id, ds := range s.docs {
		out[id] = ds
	}
	return out
}

// Materialize 返回文档当前版本的内容，必要时先加载
func (s *Sequencer) Materialize(ctx context.Context, docID string) (store.Snapshot, error) {
	ds, err := s.lock(ctx, docID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	defer ds.unlock()
	if ds.loaded {
		if _, err := s.syncLocked(ctx, docID, ds); err != nil {
			return store.Snapshot{}, err
		}
	} else if err := s.ensureLoaded(ctx, docID, ds); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{DocumentID: docID, Version: ds.version, Content: ds.buf.String()}, nil
}

func (s *Sequencer) CurrentVersion(ctx context.Context, docID string) (uint64, error) {
	ds, err := s.lock(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	defer ds.unlock()
	if err := s.ensureLoaded(ctx, docID, ds); err != nil {
		return 0, err
	}
	return ds.version, nil
}

// Archive 归档后文档不再接受新操作
func (s *Sequencer) Archive(ctx context.Context, docID string) error {
	ds, err := s.lock(ctx, docID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDocumentUnavailable, err)
	}
	defer ds.unlock()
	if err := s.store.Archive(ctx, docID); err != nil {
		return err
	}
	ds.archived = true
	return nil
}

// EvictIdle 卸载超过 idle 没有使用的文档状态，正在被使用或还有会话的跳过
func (s *Sequencer) EvictIdle(idle time.Duration) int {
	watcher, _ := s.opt.Publisher.(Watcher)
	cutoff := s.now().Add(-idle)
	n := 0
	for id, ds := range s.snapshotDocs() {
		if watcher != nil && watcher.Watching(id) {
			continue
		}
		select {
		case ds.sem <- struct{}{}:
		default:
			continue
		}
		if ds.lastUsed.Before(cutoff) {
			ds.evicted = true
			s.mu.Lock()
			if s.docs[id] == ds {
				delete(s.docs, id)
			}
			s.mu.Unlock()
			if s.opt.Compactor != nil {
				s.opt.Compactor.Forget(id)
			}
			n++
		}
		<-ds.sem
	}
	return n
}

// RunJanitor 定期卸载空闲文档，阻塞到 ctx 结束
func (s *Sequencer) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(idle); n > 0 {
				s.log.Debug().Int("count", n).Msg("unloaded idle documents")
			}
		}
	}
}
