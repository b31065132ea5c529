package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/metrics"
	"doccollab/backend/internal/protocol"
	"doccollab/backend/internal/store"
)

// Materializer 提供文档当前版本的内容
type Materializer interface {
	Materialize(ctx context.Context, docID string) (store.Snapshot, error)
}

// PresenceHook 会话加入/离开时通知光标通道
type PresenceHook interface {
	SessionJoined(s *Session)
	SessionLeft(s *Session)
	// Cursors 返回文档当前的光标记录，用于 join_ack
	Cursors(docID string) []protocol.Cursor
}

type Options struct {
	QueueSize          int
	EphemeralQueueSize int
	JoinTimeout        time.Duration
	SessionTimeout     time.Duration
	WriteTimeout       time.Duration
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.EphemeralQueueSize <= 0 {
		o.EphemeralQueueSize = 64
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

var ErrRegistryClosed = errors.New("session registry closed")

var errShuttingDown = fmt.Errorf("%w: server shutting down", collab.ErrDocumentUnavailable)

// Registry 文档 -> 会话集合。锁只保护索引，任何 I/O 都不在锁内进行。
type Registry struct {
	authz    auth.Authorizer
	mat      Materializer
	presence PresenceHook
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	rooms  map[string]map[string]*Session
	closed bool

	now func() time.Time
}

func NewRegistry(authz auth.Authorizer, mat Materializer, opts Options) *Registry {
	opts.defaults()
	return &Registry{
		authz:   authz,
		mat:     mat,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "sessions").Logger(),
		metrics: opts.Metrics,
		rooms:   make(map[string]map[string]*Session),
		now:     time.Now,
	}
}

// SetPresence 光标通道依赖注册表做广播，启动时再接上
func (r *Registry) SetPresence(p PresenceHook) {
	r.presence = p
}

// Join 鉴权、登记会话、取得文档内容并发送 join_ack。
// 会话先登记再取内容，取内容期间提交的操作会进入队列；已经包含在返回内容里的会在发送时被过滤。
func (r *Registry) Join(ctx context.Context, docID string, p auth.Principal, ch Channel) (*Session, store.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.JoinTimeout)
	defer cancel()

	ok, err := r.authz.CanAccess(ctx, p, docID)
	if err != nil {
		return nil, store.Snapshot{}, fmt.Errorf("%w: authorize: %v", collab.ErrDocumentUnavailable, err)
	}
	if !ok {
		return nil, store.Snapshot{}, collab.ErrAuthorizationDenied
	}

	s := newSession(docID, p, ch, r.opts.QueueSize, r.opts.EphemeralQueueSize, r.now())
	if err := r.register(s); err != nil {
		return nil, store.Snapshot{}, err
	}

	snap, err := r.mat.Materialize(ctx, docID)
	if err != nil {
		r.remove(s, nil)
		if !errors.Is(err, collab.ErrDocumentUnavailable) {
			err = fmt.Errorf("%w: %v", collab.ErrDocumentUnavailable, err)
		}
		return nil, store.Snapshot{}, err
	}
	if s.stopped() {
		// 取内容期间已经被踢出（比如队列溢出）
		return nil, store.Snapshot{}, s.reason
	}

	s.baseline = snap.Version
	s.lastAck.Store(snap.Version)
	ack := protocol.JoinAck{
		Type:       protocol.TypeJoinAck,
		DocumentID: docID,
		SessionID:  s.ID,
		Version:    snap.Version,
		Content:    snap.Content,
		Presence:   []protocol.Cursor{},
	}
	if r.presence != nil {
		ack.Presence = r.presence.Cursors(docID)
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	err = ch.Send(sendCtx, ack)
	sendCancel()
	if err != nil {
		r.remove(s, nil)
		return nil, store.Snapshot{}, fmt.Errorf("send join ack: %w", err)
	}

	if r.presence != nil && !s.announce(r.presence.SessionJoined) {
		return nil, store.Snapshot{}, s.reason
	}
	go s.writeLoop(r.opts.WriteTimeout, r.onWriteError, r.log)
	r.log.Debug().Str("doc", docID).Str("session", s.ID).Uint64("user", p.ID).Uint64("version", snap.Version).Msg("session joined")
	return s, snap, nil
}

func (r *Registry) register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: %v", collab.ErrDocumentUnavailable, ErrRegistryClosed)
	}
	room := r.rooms[s.DocumentID]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[s.DocumentID] = room
	}
	room[s.ID] = s
	r.metrics.SessionOpened()
	return nil
}

// remove 从索引里删除并结束会话，重复调用无副作用。返回是否真的删除了
func (r *Registry) remove(s *Session, reason error) bool {
	r.mu.Lock()
	room := r.rooms[s.DocumentID]
	_, ok := room[s.ID]
	if ok {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(r.rooms, s.DocumentID)
		}
		r.metrics.SessionClosed()
	}
	r.mu.Unlock()

	s.stop(reason)
	return ok
}

func (r *Registry) evict(s *Session, reason error) {
	if !r.remove(s, reason) {
		return
	}
	code, _ := collab.Classify(reason)
	r.metrics.SessionEvicted(code)
	r.log.Info().Err(reason).Str("doc", s.DocumentID).Str("session", s.ID).Msg("session evicted")
	r.left(s)
}

func (r *Registry) onWriteError(s *Session, err error) {
	if !r.remove(s, nil) {
		return
	}
	r.metrics.SessionEvicted("TRANSPORT")
	r.log.Debug().Err(err).Str("session", s.ID).Msg("write failed, session closed")
	r.left(s)
}

func (r *Registry) left(s *Session) {
	if r.presence != nil {
		s.retract(r.presence.SessionLeft)
	}
}

// Leave 客户端主动离开，幂等
func (r *Registry) Leave(s *Session) {
	if !r.remove(s, nil) {
		return
	}
	r.left(s)
	r.log.Debug().Str("doc", s.DocumentID).Str("session", s.ID).Msg("session left")
}

// Ack 记录客户端确认到的最高版本，只增不减
func (r *Registry) Ack(s *Session, version uint64) {
	for {
		cur := s.lastAck.Load()
		if version <= cur || s.lastAck.CompareAndSwap(cur, version) {
			break
		}
	}
	r.Touch(s)
}

// Touch 心跳
func (r *Registry) Touch(s *Session) {
	s.lastSeen.Store(r.now().UnixNano())
}

// SendError 通过会话的有序队列把错误回给客户端
func (r *Registry) SendError(s *Session, err error) {
	if !s.enqueue(outbound{msg: protocol.NewError(err)}) {
		r.evict(s, collab.ErrQueueOverflow)
	}
}

// Sessions 文档当前的会话快照
func (r *Registry) Sessions(docID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[docID]
	out := make([]*Session, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

// Count 所有文档的会话总数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}

// Reap 移除超过 SessionTimeout 没有任何动静的会话
func (r *Registry) Reap(now time.Time) int {
	cutoff := now.Add(-r.opts.SessionTimeout).UnixNano()
	var stale []*Session
	r.mu.RLock()
	for _, room := range r.rooms {
		for _, s := range room {
			if s.lastSeen.Load() < cutoff {
				stale = append(stale, s)
			}
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.evict(s, collab.ErrLivenessTimeout)
	}
	return len(stale)
}

func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.opts.SessionTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Reap(now); n > 0 {
				r.log.Info().Int("count", n).Msg("reaped silent sessions")
			}
		}
	}
}

// Close 关闭所有会话（客户端收到 DOCUMENT_UNAVAILABLE），之后的 Join 都会失败
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*Session
	for _, room := range r.rooms {
		for _, s := range room {
			all = append(all, s)
		}
	}
	r.mu.Unlock()

	for _, s := range all {
		r.remove(s, errShuttingDown)
	}
}
