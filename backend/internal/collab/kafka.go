package collab

import (
	"time"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/ot/delta"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 每次提交后发往 kafka 的事件，下游（审计、搜索索引）按 docId 分区消费
type DocOpEvent struct {
	EventType   string      `json:"eventType"`
	DocID       string      `json:"docId"`
	OperationID string      `json:"operationId"`
	Version     uint64      `json:"version"`
	AuthorID    uint64      `json:"authorId"`
	ClientID    string      `json:"clientId,omitempty"`
	ClientSeq   uint64      `json:"clientSeq,omitempty"` // 同一个 clientId 的本地递增序号
	BaseVersion uint64      `json:"baseVersion"`
	Kind        ot.Kind     `json:"kind"`
	Ops         delta.Delta `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

func NewDocOpEvent(op ot.Operation) DocOpEvent {
	return DocOpEvent{
		EventType:   EventOpApplied,
		DocID:       op.DocumentID,
		OperationID: op.ID,
		Version:     op.Version,
		AuthorID:    op.AuthorID,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		BaseVersion: op.BaseVersion,
		Kind:        op.Kind,
		Ops:         op.Delta(),
		AppliedAt:   op.Timestamp,
	}
}
