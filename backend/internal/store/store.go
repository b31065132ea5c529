// Package store 定义协作核心依赖的持久化存储边界：文档元数据、只追加的操作日志和快照。
// 具体实现见 badgerstore（嵌入式）和 mysqlstore（gorm + MySQL）。
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode"
	"unicode/utf8"

	"doccollab/backend/internal/ot"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	// ErrVersionConflict 追加时文档版本已经不是 expectedVersion（有别的写者先提交了）
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidDocumentID = errors.New("invalid document id")
)

// MaxDocumentIDLen 与 mysql 的 varchar(64) 一致
const MaxDocumentIDLen = 64

// ValidateDocumentID 文档 id 非空、不超过 MaxDocumentIDLen 字节、是合法 UTF-8 且不含控制字符。
// badger 的键用 \x00 分隔，带控制字符的 id 会和别的文档的键前缀重叠。
func ValidateDocumentID(id string) error {
	if id == "" || len(id) > MaxDocumentIDLen || !utf8.ValidString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id)
		}
	}
	return nil
}

// Latest 作为 ReadRange 的上界表示“读到最新”
const Latest uint64 = math.MaxUint64

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   uint64    `json:"ownerId"`
	Version   uint64    `json:"version"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Snapshot struct {
	DocumentID string    `json:"documentId"`
	Version    uint64    `json:"version"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store 是“操作是否真正提交”的唯一权威。
type Store interface {
	// CreateDocument 显式创建文档，已存在返回 ErrDocumentExists
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, docID string) (Document, error)
	// EnsureDocument 首次访问时创建空文档（version 0），已存在则原样返回
	EnsureDocument(ctx context.Context, docID string) (Document, error)
	// AppendIfVersionMatches 只有当前版本等于 expectedVersion 时才追加，返回新版本号
	AppendIfVersionMatches(ctx context.Context, docID string, expectedVersion uint64, op ot.Operation) (uint64, error)
	// ReadRange 返回版本号在 (from, to] 内的操作，按版本递增
	ReadRange(ctx context.Context, docID string, from, to uint64) ([]ot.Operation, error)
	WriteSnapshot(ctx context.Context, docID string, version uint64, content string) error
	// LatestSnapshot 没有快照时返回 version 0 的空快照
	LatestSnapshot(ctx context.Context, docID string) (Snapshot, error)
	Archive(ctx context.Context, docID string) error

	AddMember(ctx context.Context, docID string, userID uint64) error
	IsMember(ctx context.Context, docID string, userID uint64) (bool, error)

	Close() error
}
