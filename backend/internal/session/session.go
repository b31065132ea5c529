// Package session 管理每个文档上的在线会话：加入、离开、确认、存活检测，以及向会话推送消息。
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/protocol"
)

// Channel 到客户端的有序可靠传输，一个会话对应一个
type Channel interface {
	Send(ctx context.Context, msg protocol.Outbound) error
	// Close 关闭传输，reason 为 nil 表示正常关闭
	Close(reason error) error
}

type outbound struct {
	msg protocol.Outbound
	// version > 0 表示这是一条已提交操作，加入前已包含在内容里的会被丢弃
	version uint64
}

type Session struct {
	ID         string
	DocumentID string
	Principal  auth.Principal
	JoinedAt   time.Time

	ch        Channel
	ops       chan outbound
	ephemeral chan protocol.Outbound
	baseline  uint64

	lastAck  atomic.Uint64
	lastSeen atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	reason   error

	// announced 已经通知过 SessionJoined，只有这样的会话离开时才通知 SessionLeft
	presenceMu sync.Mutex
	announced  bool
}

func newSession(docID string, p auth.Principal, ch Channel, queueSize, ephemeralSize int, now time.Time) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Principal:  p,
		JoinedAt:   now,
		ch:         ch,
		ops:        make(chan outbound, queueSize),
		ephemeral:  make(chan protocol.Outbound, ephemeralSize),
		done:       make(chan struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) LastAck() uint64 { return s.lastAck.Load() }

func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Done 会话结束后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Err 会话被服务端结束的原因，正常离开为 nil
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) stop(reason error) bool {
	stopped := false
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.done)
		stopped = true
	})
	return stopped
}

// announce 会话还没结束时标记为已上线并调用 joined，返回是否标记成功
func (s *Session) announce(joined func(*Session)) bool {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if s.stopped() {
		return false
	}
	s.announced = true
	joined(s)
	return true
}

// retract 对已上线的会话调用一次 left
func (s *Session) retract(left func(*Session)) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if !s.announced {
		return
	}
	s.announced = false
	left(s)
}

// enqueue 不阻塞，队列满返回 false
func (s *Session) enqueue(item outbound) bool {
	if s.stopped() {
		return true
	}
	select {
	case s.ops <- item:
		return true
	default:
		return false
	}
}

func (s *Session) enqueueEphemeral(msg protocol.Outbound) bool {
	if s.stopped() {
		return true
	}
	select {
	case s.ephemeral <- msg:
		return true
	default:
		return false
	}
}

// writeLoop 把队列里的消息写到传输上。操作流优先于光标等临时消息；
// 会话结束时如果有原因，先把错误发给客户端再关闭传输。
func (s *Session) writeLoop(writeTimeout time.Duration, onWriteError func(*Session, error), log zerolog.Logger) {
	send := func(msg protocol.Outbound) error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return s.ch.Send(ctx, msg)
	}
	defer func() {
		if s.reason != nil {
			if err := send(protocol.NewError(s.reason)); err != nil {
				log.Debug().Err(err).Str("session", s.ID).Msg("final error not delivered")
			}
		}
		_ = s.ch.Close(s.reason)
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		var msg protocol.Outbound
		select {
		case <-s.done:
			return
		case it := <-s.ops:
			if it.version > 0 && it.version <= s.baseline {
				continue
			}
			msg = it.msg
		default:
			select {
			case <-s.done:
				return
			case it := <-s.ops:
				if it.version > 0 && it.version <= s.baseline {
					continue
				}
				msg = it.msg
			case m := <-s.ephemeral:
				msg = m
			}
		}

		if err := send(msg); err != nil {
			onWriteError(s, err)
			return
		}
	}
}
