package mysqlstore

import (
	"time"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

type DocumentRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Title     string `gorm:"type:varchar(255)"`
	OwnerID   uint64 `gorm:"index"`
	Version   uint64 `gorm:"not null;default:0"`
	Archived  bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentRecord) TableName() string { return "documents" }

// OperationRecord (document_id, version) 唯一，重复提交同一版本会撞 1062
type OperationRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_version,priority:1"`
	Version     uint64 `gorm:"not null;uniqueIndex:uk_doc_version,priority:2"`
	OpID        string `gorm:"type:varchar(64)"`
	AuthorID    uint64
	Kind        string `gorm:"type:varchar(16);not null"`
	Position    int
	Length      int
	Payload     string     `gorm:"type:mediumtext"`
	Ranges      []ot.Range `gorm:"type:text;serializer:json"`
	BaseVersion uint64
	ClientID    string `gorm:"type:varchar(64)"`
	ClientSeq   uint64
	CreatedAt   time.Time
}

func (OperationRecord) TableName() string { return "document_operations" }

type SnapshotRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"type:varchar(64);not null;uniqueIndex:uk_snap_doc_version,priority:1"`
	Version    uint64 `gorm:"not null;uniqueIndex:uk_snap_doc_version,priority:2"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }

type MemberRecord struct {
	DocumentID string `gorm:"primaryKey;type:varchar(64)"`
	UserID     uint64 `gorm:"primaryKey"`
	CreatedAt  time.Time
}

func (MemberRecord) TableName() string { return "document_members" }

func (r DocumentRecord) toDocument() store.Document {
	return store.Document{
		ID:        r.ID,
		Title:     r.Title,
		OwnerID:   r.OwnerID,
		Version:   r.Version,
		Archived:  r.Archived,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func fromOperation(docID string, op ot.Operation) OperationRecord {
	return OperationRecord{
		DocumentID:  docID,
		Version:     op.Version,
		OpID:        op.ID,
		AuthorID:    op.AuthorID,
		Kind:        string(op.Kind),
		Position:    op.Position,
		Length:      op.Length,
		Payload:     op.Payload,
		Ranges:      op.Ranges,
		BaseVersion: op.BaseVersion,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		CreatedAt:   op.Timestamp,
	}
}

func (r OperationRecord) toOperation() ot.Operation {
	return ot.Operation{
		ID:          r.OpID,
		DocumentID:  r.DocumentID,
		AuthorID:    r.AuthorID,
		Kind:        ot.Kind(r.Kind),
		Position:    r.Position,
		Length:      r.Length,
		Payload:     r.Payload,
		Ranges:      r.Ranges,
		BaseVersion: r.BaseVersion,
		Version:     r.Version,
		ClientID:    r.ClientID,
		ClientSeq:   r.ClientSeq,
		Timestamp:   r.CreatedAt,
	}
}
