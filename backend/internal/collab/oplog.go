package collab

import (
	"context"
	"errors"
	"fmt"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

// OpLog 操作日志：每个文档一条只追加、版本连续的操作序列。
// 追加只能由 Sequencer 在持有排序权时调用。
type OpLog struct {
	store store.Store
}

func NewOpLog(s store.Store) *OpLog {
	return &OpLog{store: s}
}

// append 持久化成功后才返回；版本冲突原样返回 store.ErrVersionConflict，其他失败包成 ErrRejected
func (l *OpLog) append(ctx context.Context, docID string, expectedVersion uint64, op ot.Operation) (ot.Operation, error) {
	v, err := l.store.AppendIfVersionMatches(ctx, docID, expectedVersion, op)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return ot.Operation{}, err
		}
		return ot.Operation{}, fmt.Errorf("%w: append version %d: %v", ErrRejected, expectedVersion+1, err)
	}
	op.DocumentID = docID
	op.Version = v
	return op, nil
}

// ReadSince 返回 version 之后的全部操作，并校验版本从 version+1 开始连续
func (l *OpLog) ReadSince(ctx context.Context, docID string, version uint64) ([]ot.Operation, error) {
	return l.readChecked(ctx, docID, version, store.Latest)
}

// ReadRange 返回 (from, to] 内的操作
func (l *OpLog) ReadRange(ctx context.Context, docID string, from, to uint64) ([]ot.Operation, error) {
	return l.readChecked(ctx, docID, from, to)
}

func (l *OpLog) readChecked(ctx context.Context, docID string, from, to uint64) ([]ot.Operation, error) {
	ops, err := l.store.ReadRange(ctx, docID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: read log: %v", ErrDocumentUnavailable, err)
	}
	for i, op := range ops {
		if want := from + uint64(i) + 1; op.Version != want {
			return nil, fmt.Errorf("%w: document %s expected version %d, got %d", ErrLogGap, docID, want, op.Version)
		}
	}
	return ops, nil
}
