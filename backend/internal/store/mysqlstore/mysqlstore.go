// Package mysqlstore 用 gorm + MySQL 实现 store.Store，适合多实例共享同一份操作日志。
package mysqlstore

import (
	"context"
	"errors"
	"time"

	mysqlerr "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

const errDuplicateEntry = 1062

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open 连接 MySQL，migrate 为 true 时自动建表
func Open(dsn string, migrate bool) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	s := New(db)
	if migrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&DocumentRecord{}, &OperationRecord{}, &SnapshotRecord{}, &MemberRecord{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	var mysqlErr *mysqlerr.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

func (s *Store) CreateDocument(ctx context.Context, doc store.Document) error {
	if err := store.ValidateDocumentID(doc.ID); err != nil {
		return err
	}
	rec := DocumentRecord{ID: doc.ID, Title: doc.Title, OwnerID: doc.OwnerID, CreatedAt: doc.CreatedAt}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if isDuplicate(err) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrDocumentExists
	}
	return err
}

func (s *Store) GetDocument(ctx context.Context, docID string) (store.Document, error) {
	var rec DocumentRecord
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Document{}, store.ErrDocumentNotFound
		}
		return store.Document{}, err
	}
	return rec.toDocument(), nil
}

func (s *Store) EnsureDocument(ctx context.Context, docID string) (store.Document, error) {
	rec := DocumentRecord{ID: docID}
	// 已存在就什么都不做
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return store.Document{}, err
	}
	return s.GetDocument(ctx, docID)
}

// AppendIfVersionMatches 在一个事务里做条件更新 + 插入：
// UPDATE documents SET version = version+1 WHERE id = ? AND version = ?，影响行数为 0 说明版本已变。
// 插入撞唯一键 (document_id, version) 也按版本冲突处理。
func (s *Store) AppendIfVersionMatches(ctx context.Context, docID string, expectedVersion uint64, op ot.Operation) (uint64, error) {
	next := expectedVersion + 1
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&DocumentRecord{}).
			Where("id = ? AND version = ?", docID, expectedVersion).
			Updates(map[string]any{"version": next, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&DocumentRecord{}).Where("id = ?", docID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return store.ErrDocumentNotFound
			}
			return store.ErrVersionConflict
		}

		op.Version = next
		rec := fromOperation(docID, op)
		return tx.Create(&rec).Error
	})
	if isDuplicate(err) {
		return 0, store.ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) ReadRange(ctx context.Context, docID string, from, to uint64) ([]ot.Operation, error) {
	if to <= from {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("document_id = ? AND version > ?", docID, from)
	if to != store.Latest {
		q = q.Where("version <= ?", to)
	}
	var recs []OperationRecord
	if err := q.Order("version ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	ops := make([]ot.Operation, 0, len(recs))
	for _, r := range recs {
		ops = append(ops, r.toOperation())
	}
	return ops, nil
}

func (s *Store) WriteSnapshot(ctx context.Context, docID string, version uint64, content string) error {
	rec := SnapshotRecord{DocumentID: docID, Version: version, Content: content}
	err := s.db.WithContext(ctx).Create(&rec).Error
	if isDuplicate(err) {
		// 同一版本的快照内容必然相同
		return nil
	}
	return err
}

func (s *Store) LatestSnapshot(ctx context.Context, docID string) (store.Snapshot, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("version DESC").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Snapshot{DocumentID: docID}, nil
		}
		return store.Snapshot{}, err
	}
	return store.Snapshot{DocumentID: docID, Version: rec.Version, Content: rec.Content, CreatedAt: rec.CreatedAt}, nil
}

func (s *Store) Archive(ctx context.Context, docID string) error {
	res := s.db.WithContext(ctx).Model(&DocumentRecord{}).Where("id = ?", docID).Update("archived", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 已归档的文档再归档也是 0 行，区分一下是否存在
		if _, err := s.GetDocument(ctx, docID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AddMember(ctx context.Context, docID string, userID uint64) error {
	rec := MemberRecord{DocumentID: docID, UserID: userID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

func (s *Store) IsMember(ctx context.Context, docID string, userID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&MemberRecord{}).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Count(&count).Error
	return count > 0, err
}
