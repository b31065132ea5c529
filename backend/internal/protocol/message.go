// Package protocol 客户端与服务端之间的 JSON 消息。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/ot"
)

// 客户端 -> 服务端
const (
	TypeJoin      = "join"
	TypeSubmitOp  = "submit_op"
	TypeCursor    = "cursor"
	TypeAck       = "ack"
	TypeHeartbeat = "heartbeat"
	TypeLeave     = "leave"
)

// 服务端 -> 客户端
const (
	TypeJoinAck       = "join_ack"
	TypeOpCommitted   = "op_committed"
	TypeOpAck         = "op_ack"
	TypePresenceJoin  = "presence_join"
	TypePresenceLeave = "presence_leave"
	TypeError         = "error"
)

type ClientMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`

	// submit_op。BaseVersion 必填，用指针区分“没传”和 0
	BaseVersion *uint64 `json:"baseVersion,omitempty"`
	Kind        ot.Kind `json:"kind,omitempty"`
	Position    int     `json:"position,omitempty"`
	Length      int     `json:"length,omitempty"`
	Payload     string  `json:"payload,omitempty"`
	// 客户端实例标识（多端/多标签页），配合 ClientSeq 做幂等
	ClientID  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`

	// cursor
	SelectionStart *int `json:"selectionStart,omitempty"`
	SelectionEnd   *int `json:"selectionEnd,omitempty"`

	// ack
	Version uint64 `json:"version,omitempty"`
}

// Decode 解析一条客户端消息，格式错误统一返回 collab.ErrProtocol
func Decode(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", collab.ErrProtocol, err)
	}
	if m.Type == "" {
		return ClientMessage{}, fmt.Errorf("%w: missing type", collab.ErrProtocol)
	}
	return m, nil
}

// Proposal 把 submit_op 转成提案，没有 baseVersion 视为协议错误
func (m ClientMessage) Proposal(docID, sessionID string, authorID uint64) (collab.Proposal, error) {
	if m.BaseVersion == nil {
		return collab.Proposal{}, fmt.Errorf("%w: submit_op without baseVersion", collab.ErrProtocol)
	}
	return collab.Proposal{
		DocumentID:  docID,
		SessionID:   sessionID,
		AuthorID:    authorID,
		ClientID:    m.ClientID,
		ClientSeq:   m.ClientSeq,
		BaseVersion: *m.BaseVersion,
		Kind:        m.Kind,
		Position:    m.Position,
		Length:      m.Length,
		Payload:     m.Payload,
	}, nil
}

// Outbound 出站消息
type Outbound interface {
	MessageType() string
}

type Member struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type Cursor struct {
	Type           string    `json:"type"`
	DocumentID     string    `json:"documentId"`
	UserID         uint64    `json:"userId"`
	Username       string    `json:"username,omitempty"`
	Position       int       `json:"position"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type JoinAck struct {
	Type       string   `json:"type"`
	DocumentID string   `json:"documentId"`
	SessionID  string   `json:"sessionId"`
	Version    uint64   `json:"version"`
	Content    string   `json:"content"`
	Presence   []Cursor `json:"presence"`
	Members    []Member `json:"members,omitempty"`
}

// OpCommitted 推给其他协作者的已提交操作，位置已经是提交时的坐标
type OpCommitted struct {
	Type             string     `json:"type"`
	DocumentID       string     `json:"documentId"`
	CommittedVersion uint64     `json:"committedVersion"`
	OperationID      string     `json:"operationId"`
	Author           uint64     `json:"author"`
	Kind             ot.Kind    `json:"kind"`
	Position         int        `json:"position"`
	Length           int        `json:"length"`
	Payload          string     `json:"payload"`
	Ranges           []ot.Range `json:"ranges,omitempty"` // 被拆开的删除才有
}

// OpAck 回给提交者，附带变换后的操作，客户端据此对齐本地状态
type OpAck struct {
	Type             string     `json:"type"`
	DocumentID       string     `json:"documentId"`
	CommittedVersion uint64     `json:"committedVersion"`
	BaseVersion      uint64     `json:"baseVersion"`
	OperationID      string     `json:"operationId"`
	ClientID         string     `json:"clientId,omitempty"`
	ClientSeq        uint64     `json:"clientSeq,omitempty"`
	Kind             ot.Kind    `json:"kind"`
	Position         int        `json:"position"`
	Length           int        `json:"length"`
	Payload          string     `json:"payload"`
	Ranges           []ot.Range `json:"ranges,omitempty"` // 被拆开的删除才有
}

type PresenceEvent struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	SessionID  string `json:"sessionId"`
	UserID     uint64 `json:"userId"`
	Username   string `json:"username,omitempty"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Advice  string `json:"advice"`
}

func (m JoinAck) MessageType() string       { return m.Type }
func (m OpCommitted) MessageType() string   { return m.Type }
func (m OpAck) MessageType() string         { return m.Type }
func (m Cursor) MessageType() string        { return m.Type }
func (m PresenceEvent) MessageType() string { return m.Type }
func (m Error) MessageType() string         { return m.Type }

func NewOpCommitted(op ot.Operation) OpCommitted {
	return OpCommitted{
		Type:             TypeOpCommitted,
		DocumentID:       op.DocumentID,
		CommittedVersion: op.Version,
		OperationID:      op.ID,
		Author:           op.AuthorID,
		Kind:             op.Kind,
		Position:         op.Position,
		Length:           op.Length,
		Payload:          op.Payload,
		Ranges:           op.Ranges,
	}
}

func NewOpAck(op ot.Operation) OpAck {
	return OpAck{
		Type:             TypeOpAck,
		DocumentID:       op.DocumentID,
		CommittedVersion: op.Version,
		BaseVersion:      op.BaseVersion,
		OperationID:      op.ID,
		ClientID:         op.ClientID,
		ClientSeq:        op.ClientSeq,
		Kind:             op.Kind,
		Position:         op.Position,
		Length:           op.Length,
		Payload:          op.Payload,
		Ranges:           op.Ranges,
	}
}

// NewError 按错误分类生成错误消息
func NewError(err error) Error {
	code, advice := collab.Classify(err)
	msg := err.Error()
	if code == collab.CodeInternal {
		msg = "internal error"
	}
	return Error{Type: TypeError, Code: code, Message: msg, Advice: advice}
}

// IsProtocolError 协议错误后连接会被关闭
func IsProtocolError(err error) bool {
	return errors.Is(err, collab.ErrProtocol)
}
