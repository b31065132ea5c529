package session

import (
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/protocol"
)

var (
	_ collab.Publisher = (*Registry)(nil)
	_ collab.Watcher   = (*Registry)(nil)
)

// Watching 文档在本实例上是否还有会话
func (r *Registry) Watching(docID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[docID]) > 0
}

// Publish 把已提交的操作推给文档的每个会话：提交者收到 op_ack，其他人收到 op_committed。
// 调用方持有文档的排序权，这里只入队不阻塞；队列满的会话直接踢出，客户端需要重新 join。
func (r *Registry) Publish(op ot.Operation, originSessionID string) {
	targets := r.Sessions(op.DocumentID)
	if len(targets) == 0 {
		return
	}
	committed := protocol.NewOpCommitted(op)
	for _, s := range targets {
		item := outbound{msg: committed, version: op.Version}
		if s.ID == originSessionID {
			item.msg = protocol.NewOpAck(op)
		}
		if !s.enqueue(item) {
			r.evict(s, collab.ErrQueueOverflow)
		}
	}
}

// BroadcastEphemeral 尽力推送光标、在线状态等临时消息，队列满就丢，返回丢弃数
func (r *Registry) BroadcastEphemeral(docID, exceptSessionID string, msg protocol.Outbound) int {
	dropped := 0
	for _, s := range r.Sessions(docID) {
		if s.ID == exceptSessionID {
			continue
		}
		if !s.enqueueEphemeral(msg) {
			dropped++
		}
	}
	return dropped
}
