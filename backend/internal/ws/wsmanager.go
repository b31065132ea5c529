package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/protocol"
	"doccollab/backend/internal/session"
	"doccollab/backend/internal/store"
)

// Proposer 提交操作，由 collab.Sequencer 实现
type Proposer interface {
	Propose(ctx context.Context, p collab.Proposal) (ot.Operation, error)
}

// CursorSink 光标和心跳，由 presence.Channel 实现
type CursorSink interface {
	UpdateCursor(ctx context.Context, docID string, p auth.Principal, sessionID string, position int, selStart, selEnd *int) bool
	Heartbeat(s *session.Session)
}

type Options struct {
	ProposeTimeout  time.Duration
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64
	// AllowedOrigins 允许的 Origin 前缀，为空时只允许本地开发环境
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.ProposeTimeout <= 0 {
		o.ProposeTimeout = 2 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
}

type Manager struct {
	reg      *session.Registry
	seq      Proposer
	presence CursorSink
	sem      *collab.SemaphoreControl
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewManager(reg *session.Registry, seq Proposer, presence CursorSink, sem *collab.SemaphoreControl, opts Options, log zerolog.Logger) *Manager {
	opts.defaults()
	m := &Manager{
		reg:      reg,
		seq:      seq,
		presence: presence,
		sem:      sem,
		opts:     opts,
		log:      log.With().Str("component", "ws").Logger(),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opts.AllowedOrigins {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 升级连接并进入读循环，直到连接断开。
// 用户身份由前面的鉴权中间件写进 gin.Context。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	principal := auth.Principal{ID: c.GetUint64("userId"), Name: c.GetString("username")}
	if principal.ID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "message": "unauthorized"})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	conn := NewConn(wsConn, m.opts.WriteWait)
	defer conn.Close(nil)

	st := &connState{conn: conn, principal: principal}
	wsConn.SetReadLimit(m.opts.MaxMessageBytes)
	_ = wsConn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	// pong 在读循环里回调，和 dispatch 同一个协程
	wsConn.SetPongHandler(func(string) error {
		if st.cur != nil {
			m.reg.Touch(st.cur)
		}
		return wsConn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go m.pingLoop(ctx, conn)

	m.readLoop(ctx, st, wsConn)
}

func (m *Manager) pingLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(m.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

// connState 一条连接上同一时刻最多有一个会话
type connState struct {
	conn      *Conn
	principal auth.Principal
	cur       *session.Session
}

func (m *Manager) readLoop(ctx context.Context, st *connState, wsConn *websocket.Conn) {
	conn, principal := st.conn, st.principal
	defer func() {
		if st.cur != nil {
			m.reg.Leave(st.cur)
		}
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debug().Err(err).Uint64("user", principal.ID).Msg("websocket read failed")
			}
			return
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(m.opts.PongWait))

		msg, err := protocol.Decode(data)
		if err == nil {
			err = m.dispatch(ctx, st, msg)
		}
		if err != nil {
			// 协议错误：回一条错误后断开
			m.log.Debug().Err(err).Uint64("user", principal.ID).Msg("closing connection")
			_ = conn.Send(ctx, protocol.NewError(err))
			_ = conn.Close(err)
			return
		}
	}
}

// dispatch 只有协议错误会返回 error，其他失败都作为错误消息回给客户端
func (m *Manager) dispatch(ctx context.Context, st *connState, msg protocol.ClientMessage) error {
	if st.cur != nil {
		select {
		case <-st.cur.Done():
			// 会话已被服务端结束
			st.cur = nil
		default:
			m.reg.Touch(st.cur)
		}
	}

	switch msg.Type {
	case protocol.TypeJoin:
		return m.join(ctx, st, msg)

	case protocol.TypeSubmitOp:
		s, err := st.session(msg)
		if err != nil {
			return err
		}
		return m.submit(ctx, s, msg)

	case protocol.TypeCursor:
		s, err := st.session(msg)
		if err != nil {
			return err
		}
		start, end := msg.SelectionStart, msg.SelectionEnd
		if (start == nil) != (end == nil) {
			return fmt.Errorf("%w: selectionStart and selectionEnd go together", collab.ErrProtocol)
		}
		m.presence.UpdateCursor(ctx, s.DocumentID, s.Principal, s.ID, msg.Position, start, end)
		return nil

	case protocol.TypeAck:
		s, err := st.session(msg)
		if err != nil {
			return err
		}
		m.reg.Ack(s, msg.Version)
		return nil

	case protocol.TypeHeartbeat:
		if st.cur != nil {
			m.presence.Heartbeat(st.cur)
		}
		return nil

	case protocol.TypeLeave:
		if st.cur != nil {
			m.reg.Leave(st.cur)
			st.cur = nil
		}
		return nil
	}
	return fmt.Errorf("%w: unknown message type %q", collab.ErrProtocol, msg.Type)
}

var errNotJoined = fmt.Errorf("%w: join a document first", collab.ErrProtocol)

func (st *connState) session(msg protocol.ClientMessage) (*session.Session, error) {
	if st.cur == nil {
		return nil, errNotJoined
	}
	if msg.DocumentID != "" && msg.DocumentID != st.cur.DocumentID {
		return nil, fmt.Errorf("%w: joined %s, message for %s", collab.ErrProtocol, st.cur.DocumentID, msg.DocumentID)
	}
	return st.cur, nil
}

func (m *Manager) join(ctx context.Context, st *connState, msg protocol.ClientMessage) error {
	if err := store.ValidateDocumentID(msg.DocumentID); err != nil {
		return fmt.Errorf("%w: join: %v", collab.ErrProtocol, err)
	}
	// 切换文档时先离开旧的
	if st.cur != nil {
		m.reg.Leave(st.cur)
		st.cur = nil
	}
	s, _, err := m.reg.Join(ctx, msg.DocumentID, st.principal, docChannel{conn: st.conn})
	if err != nil {
		m.log.Info().Err(err).Str("doc", msg.DocumentID).Uint64("user", st.principal.ID).Msg("join failed")
		_ = st.conn.Send(ctx, protocol.NewError(err))
		return nil
	}
	st.cur = s
	return nil
}

func (m *Manager) submit(ctx context.Context, s *session.Session, msg protocol.ClientMessage) error {
	p, err := msg.Proposal(s.DocumentID, s.ID, s.Principal.ID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ProposeTimeout)
	defer cancel()
	if err := m.sem.Acquire(ctx); err != nil {
		m.reg.SendError(s, fmt.Errorf("%w: server busy", collab.ErrRejected))
		return nil
	}
	defer m.sem.Release()

	if _, err := m.seq.Propose(ctx, p); err != nil {
		if !errors.Is(err, collab.ErrDuplicateSubmission) {
			m.log.Debug().Err(err).Str("doc", s.DocumentID).Str("session", s.ID).Msg("proposal failed")
		}
		m.reg.SendError(s, err)
	}
	return nil
}
