package collab

import (
	"context"
	"errors"

	"doccollab/backend/internal/store"
)

var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrDocumentUnavailable = errors.New("document unavailable")
	ErrInvalidBaseVersion  = errors.New("base version is ahead of the document")
	ErrRejected            = errors.New("operation rejected")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrDocumentArchived    = errors.New("document archived")
	ErrDuplicateSubmission = errors.New("duplicate or out-of-order submission")
	ErrLogGap              = errors.New("operation log has a gap")
	// ErrQueueOverflow 会话的出站队列满了，会话被踢出，客户端必须重新 join
	ErrQueueOverflow   = errors.New("session queue overflow")
	ErrLivenessTimeout = errors.New("session liveness timeout")
	ErrProtocol        = errors.New("protocol error")
)

// 线上错误码
const (
	CodeAuthorizationDenied = "AUTHORIZATION_DENIED"
	CodeDocumentUnavailable = "DOCUMENT_UNAVAILABLE"
	CodeInvalidBaseVersion  = "INVALID_BASE_VERSION"
	CodeRejected            = "REJECTED"
	CodeDocumentArchived    = "DOCUMENT_ARCHIVED"
	CodeInvalidOperation    = "INVALID_OPERATION"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeResyncRequired      = "RESYNC_REQUIRED"
	CodeSessionExpired      = "SESSION_EXPIRED"
	CodeProtocolError       = "PROTOCOL_ERROR"
	CodeInternal            = "INTERNAL"
)

// 客户端收到错误后应该怎么做
const (
	AdviceAbandon = "abandon"
	AdviceRetry   = "retry"
	// AdviceRebase 重新读取最新版本后再提交
	AdviceRebase = "retry-with-fresh-base"
	AdviceRejoin = "rejoin"
	AdviceIgnore = "ignore"
)

// Classify 把内部错误映射成 (错误码, 建议)
func Classify(err error) (code, advice string) {
	switch {
	case errors.Is(err, ErrAuthorizationDenied):
		return CodeAuthorizationDenied, AdviceAbandon
	case errors.Is(err, ErrInvalidBaseVersion), errors.Is(err, ErrLogGap):
		return CodeInvalidBaseVersion, AdviceRejoin
	case errors.Is(err, ErrDocumentArchived):
		return CodeDocumentArchived, AdviceAbandon
	case errors.Is(err, ErrInvalidOperation):
		return CodeInvalidOperation, AdviceAbandon
	case errors.Is(err, ErrDuplicateSubmission):
		return CodeDuplicateSubmission, AdviceIgnore
	case errors.Is(err, ErrQueueOverflow):
		return CodeResyncRequired, AdviceRejoin
	case errors.Is(err, ErrLivenessTimeout):
		return CodeSessionExpired, AdviceRejoin
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError, AdviceAbandon
	case errors.Is(err, ErrRejected):
		return CodeRejected, AdviceRebase
	case errors.Is(err, ErrDocumentUnavailable), errors.Is(err, store.ErrDocumentNotFound),
		errors.Is(err, context.DeadlineExceeded):
		return CodeDocumentUnavailable, AdviceRetry
	}
	return CodeInternal, AdviceRetry
}
