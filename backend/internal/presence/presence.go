// Package presence 光标/选区广播。记录只保存在内存里，按 (文档, 用户) 后写覆盖，
// 不进操作日志，也不保证送达。
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/cache"
	"doccollab/backend/internal/metrics"
	"doccollab/backend/internal/protocol"
	"doccollab/backend/internal/session"
)

// Broadcaster 尽力而为的临时消息广播，返回丢弃数
type Broadcaster interface {
	BroadcastEphemeral(docID, exceptSessionID string, msg protocol.Outbound) int
}

type Record struct {
	DocumentID     string
	Principal      auth.Principal
	Position       int
	SelectionStart *int
	SelectionEnd   *int
	Timestamp      time.Time
}

func (r Record) cursor() protocol.Cursor {
	return protocol.Cursor{
		Type:           protocol.TypeCursor,
		DocumentID:     r.DocumentID,
		UserID:         r.Principal.ID,
		Username:       r.Principal.Name,
		Position:       r.Position,
		SelectionStart: r.SelectionStart,
		SelectionEnd:   r.SelectionEnd,
		Timestamp:      r.Timestamp,
	}
}

// member 用户在本机上打开的会话数
type member struct {
	name     string
	sessions int
}

type Options struct {
	// 每个会话每秒最多几次光标更新
	Rate  rate.Limit
	Burst int
	// Redis 镜像的过期时间，心跳会续期
	MirrorTTL     time.Duration
	MirrorTimeout time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func (o *Options) defaults() {
	if o.Rate <= 0 {
		o.Rate = 20
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.MirrorTTL <= 0 {
		o.MirrorTTL = 60 * time.Second
	}
	if o.MirrorTimeout <= 0 {
		o.MirrorTimeout = 2 * time.Second
	}
}

type Channel struct {
	bc     Broadcaster
	mirror cache.PresenceCache
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	records  map[string]map[uint64]Record
	online   map[string]map[uint64]*member
	limiters map[string]*rate.Limiter

	now func() time.Time
}

var _ session.PresenceHook = (*Channel)(nil)

// New mirror 可以为 nil，此时只有本机视图
func New(bc Broadcaster, mirror cache.PresenceCache, opts Options) *Channel {
	opts.defaults()
	return &Channel{
		bc:       bc,
		mirror:   mirror,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "presence").Logger(),
		records:  make(map[string]map[uint64]Record),
		online:   make(map[string]map[uint64]*member),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// UpdateCursor 覆盖用户在文档上的光标并广播给其他会话。被限流或参数不合法时直接丢弃，返回 false。
func (c *Channel) UpdateCursor(ctx context.Context, docID string, p auth.Principal, sessionID string, position int, selStart, selEnd *int) bool {
	now := c.now()
	if position < 0 || (selStart != nil && *selStart < 0) || (selEnd != nil && *selEnd < 0) {
		c.opts.Metrics.PresenceDrop()
		return false
	}

	c.mu.Lock()
	lim := c.limiters[sessionID]
	if lim == nil {
		lim = rate.NewLimiter(c.opts.Rate, c.opts.Burst)
		c.limiters[sessionID] = lim
	}
	if !lim.AllowN(now, 1) {
		c.mu.Unlock()
		c.opts.Metrics.PresenceDrop()
		return false
	}
	rec := Record{
		DocumentID:     docID,
		Principal:      p,
		Position:       position,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
		Timestamp:      now,
	}
	docs := c.records[docID]
	if docs == nil {
		docs = make(map[uint64]Record)
		c.records[docID] = docs
	}
	docs[p.ID] = rec
	c.mu.Unlock()

	msg := rec.cursor()
	for dropped := c.bc.BroadcastEphemeral(docID, sessionID, msg); dropped > 0; dropped-- {
		c.opts.Metrics.PresenceDrop()
	}
	c.mirrorCursor(ctx, msg)
	return true
}

func (c *Channel) mirrorCursor(ctx context.Context, msg protocol.Cursor) {
	if c.mirror == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, c.opts.MirrorTimeout)
		defer cancel()
		if err := c.mirror.SetCursor(ctx, msg.DocumentID, msg.UserID, data, c.opts.MirrorTTL); err != nil {
			c.log.Debug().Err(err).Str("doc", msg.DocumentID).Msg("mirror cursor failed")
		}
	}()
}

func (c *Channel) SessionJoined(s *session.Session) {
	c.mu.Lock()
	users := c.online[s.DocumentID]
	if users == nil {
		users = make(map[uint64]*member)
		c.online[s.DocumentID] = users
	}
	m := users[s.Principal.ID]
	if m == nil {
		m = &member{name: s.Principal.Name}
		users[s.Principal.ID] = m
	}
	m.sessions++
	c.mu.Unlock()

	c.bc.BroadcastEphemeral(s.DocumentID, s.ID, protocol.PresenceEvent{
		Type:       protocol.TypePresenceJoin,
		DocumentID: s.DocumentID,
		SessionID:  s.ID,
		UserID:     s.Principal.ID,
		Username:   s.Principal.Name,
	})
	c.async(func(ctx context.Context) error {
		return c.mirror.AddMember(ctx, s.DocumentID, s.Principal.ID, s.Principal.Name, c.opts.MirrorTTL)
	})
}

// SessionLeft 用户在该文档上的最后一个会话离开时清掉光标
func (c *Channel) SessionLeft(s *session.Session) {
	c.mu.Lock()
	delete(c.limiters, s.ID)
	last := false
	if users := c.online[s.DocumentID]; users != nil {
		if m := users[s.Principal.ID]; m != nil {
			m.sessions--
			if m.sessions <= 0 {
				delete(users, s.Principal.ID)
				last = true
			}
		}
		if len(users) == 0 {
			delete(c.online, s.DocumentID)
		}
	}
	c.mu.Unlock()

	if last {
		c.Forget(s.DocumentID, s.Principal.ID)
		c.async(func(ctx context.Context) error {
			return c.mirror.RemoveMember(ctx, s.DocumentID, s.Principal.ID)
		})
	}
	c.bc.BroadcastEphemeral(s.DocumentID, s.ID, protocol.PresenceEvent{
		Type:       protocol.TypePresenceLeave,
		DocumentID: s.DocumentID,
		SessionID:  s.ID,
		UserID:     s.Principal.ID,
		Username:   s.Principal.Name,
	})
}

// Heartbeat 续期 Redis 里的在线成员
func (c *Channel) Heartbeat(s *session.Session) {
	c.async(func(ctx context.Context) error {
		return c.mirror.AddMember(ctx, s.DocumentID, s.Principal.ID, s.Principal.Name, c.opts.MirrorTTL)
	})
}

func (c *Channel) async(fn func(ctx context.Context) error) {
	if c.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.MirrorTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Debug().Err(err).Msg("presence mirror failed")
		}
	}()
}

func (c *Channel) Forget(docID string, userID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if docs := c.records[docID]; docs != nil {
		delete(docs, userID)
		if len(docs) == 0 {
			delete(c.records, docID)
		}
	}
}

// Records 按用户 id 排序
func (c *Channel) Records(docID string) []Record {
	c.mu.Lock()
	out := make([]Record, 0, len(c.records[docID]))
	for _, r := range c.records[docID] {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Principal.ID < out[j].Principal.ID })
	return out
}

func (c *Channel) Cursors(docID string) []protocol.Cursor {
	recs := c.Records(docID)
	out := make([]protocol.Cursor, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.cursor())
	}
	return out
}

// Members 在线用户。配置了 Redis 时返回所有实例的汇总，否则只有本机
func (c *Channel) Members(ctx context.Context, docID string) ([]protocol.Member, error) {
	if c.mirror != nil {
		alive, err := c.mirror.AliveMembers(ctx, docID)
		if err != nil {
			return nil, err
		}
		out := make([]protocol.Member, 0, len(alive))
		for _, m := range alive {
			out = append(out, protocol.Member{UserID: m.UserID, Username: m.Username})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
		return out, nil
	}

	c.mu.Lock()
	out := make([]protocol.Member, 0, len(c.online[docID]))
	for uid, m := range c.online[docID] {
		out = append(out, protocol.Member{UserID: uid, Username: m.name})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
