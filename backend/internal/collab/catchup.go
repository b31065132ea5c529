package collab

import (
	"context"
	"fmt"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

// CatchUp 从最近的快照加上之后的操作日志重建文档内容。
type CatchUp struct {
	store store.Store
	log   *OpLog
}

func NewCatchUp(s store.Store, log *OpLog) *CatchUp {
	return &CatchUp{store: s, log: log}
}

type materialized struct {
	doc             store.Document
	buf             *PieceTable
	version         uint64
	snapshotVersion uint64
	tail            []ot.Operation
}

// Materialize 返回文档在最新版本的内容；文档不存在时创建一个空文档
func (c *CatchUp) Materialize(ctx context.Context, docID string) (store.Snapshot, error) {
	m, err := c.materialize(ctx, docID)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{DocumentID: docID, Version: m.version, Content: m.buf.String()}, nil
}

func (c *CatchUp) materialize(ctx context.Context, docID string) (materialized, error) {
	doc, err := c.store.EnsureDocument(ctx, docID)
	if err != nil {
		return materialized{}, fmt.Errorf("%w: load document %s: %v", ErrDocumentUnavailable, docID, err)
	}
	snap, err := c.store.LatestSnapshot(ctx, docID)
	if err != nil {
		return materialized{}, fmt.Errorf("%w: load snapshot %s: %v", ErrDocumentUnavailable, docID, err)
	}
	tail, err := c.log.ReadSince(ctx, docID, snap.Version)
	if err != nil {
		return materialized{}, err
	}

	buf := NewPieceTable(snap.Content)
	for _, op := range tail {
		if err := buf.Apply(op.Delta()); err != nil {
			return materialized{}, fmt.Errorf("%w: replay %s version %d: %v", ErrDocumentUnavailable, docID, op.Version, err)
		}
	}
	version := snap.Version
	if n := len(tail); n > 0 {
		version = tail[n-1].Version
	}
	return materialized{
		doc:             doc,
		buf:             buf,
		version:         version,
		snapshotVersion: snap.Version,
		tail:            tail,
	}, nil
}
