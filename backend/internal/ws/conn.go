package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/protocol"
	"doccollab/backend/internal/session"
)

// Conn 一条 websocket 连接。gorilla 的连接不支持并发写，所有写都走 writeMu
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, writeWait time.Duration) *Conn {
	return &Conn{ws: ws, writeWait: writeWait}
}

// Send 写一条 JSON 消息，超时取 ctx 的 deadline 和 writeWait 中较早的一个
func (c *Conn) Send(ctx context.Context, msg protocol.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(msg)
}

func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Close 发送关闭帧后断开，多次调用只生效一次
func (c *Conn) Close(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		code, text := websocket.CloseNormalClosure, ""
		if reason != nil {
			code = closeCode(reason)
			text, _ = collab.Classify(reason)
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeWait))
		err = c.ws.Close()
	})
	return err
}

func closeCode(reason error) int {
	switch {
	case errors.Is(reason, collab.ErrProtocol):
		return websocket.ClosePolicyViolation
	case errors.Is(reason, collab.ErrQueueOverflow), errors.Is(reason, collab.ErrLivenessTimeout):
		return websocket.CloseTryAgainLater
	case errors.Is(reason, collab.ErrDocumentUnavailable):
		return websocket.CloseGoingAway
	}
	return websocket.CloseInternalServerErr
}

// docChannel 会话看到的传输。主动 leave 只结束会话，连接留着给下一次 join；
// 被服务端踢出时连同连接一起关闭，客户端重连后重新 join。
type docChannel struct {
	conn *Conn
}

var _ session.Channel = docChannel{}

func (d docChannel) Send(ctx context.Context, msg protocol.Outbound) error {
	return d.conn.Send(ctx, msg)
}

func (d docChannel) Close(reason error) error {
	if reason == nil {
		return nil
	}
	return d.conn.Close(reason)
}
