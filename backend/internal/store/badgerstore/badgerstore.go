package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

var tracer = otel.Tracer("doccollab.store.badger")

const sep = "\x00"

func docKey(docID string) []byte { return []byte("doc" + sep + docID) }

func opPrefix(docID string) []byte { return []byte("op" + sep + docID + sep) }

func opKey(docID string, version uint64) []byte {
	return []byte(fmt.Sprintf("op%s%s%s%020d", sep, docID, sep, version))
}

func snapPrefix(docID string) []byte { return []byte("snap" + sep + docID + sep) }

func snapKey(docID string, version uint64) []byte {
	return []byte(fmt.Sprintf("snap%s%s%s%020d", sep, docID, sep, version))
}

func memberKey(docID string, userID uint64) []byte {
	return []byte("member" + sep + docID + sep + strconv.FormatUint(userID, 10))
}

type Store struct {
	db       *badger.DB
	log      zerolog.Logger
	inMemory bool
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "badgerstore").Logger()
	}
	return &Store{db: db, log: log, inMemory: cfg.InMemory, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) CreateDocument(ctx context.Context, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateDocumentID(doc.ID); err != nil {
		return err
	}
	now := s.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Version = 0

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(docKey(doc.ID)); err == nil {
			return store.ErrDocumentExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, docKey(doc.ID), doc)
	})
}

func (s *Store) GetDocument(ctx context.Context, docID string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, err
	}
	var doc store.Document
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, docKey(docID), &doc)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Document{}, store.ErrDocumentNotFound
	}
	return doc, err
}

func (s *Store) EnsureDocument(ctx context.Context, docID string) (store.Document, error) {
	doc, err := s.GetDocument(ctx, docID)
	if !errors.Is(err, store.ErrDocumentNotFound) {
		return doc, err
	}
	err = s.CreateDocument(ctx, store.Document{ID: docID})
	if err != nil && !errors.Is(err, store.ErrDocumentExists) {
		return store.Document{}, err
	}
	// 并发创建时以落盘的那份为准
	return s.GetDocument(ctx, docID)
}

func (s *Store) AppendIfVersionMatches(ctx context.Context, docID string, expectedVersion uint64, op ot.Operation) (uint64, error) {
	ctx, span := tracer.Start(ctx, "badgerstore.AppendIfVersionMatches",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("document.id", docID),
			attribute.Int64("expected_version", int64(expectedVersion)),
		),
	)
	defer span.End()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	next := expectedVersion + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		var doc store.Document
		if err := getJSON(txn, docKey(docID), &doc); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrDocumentNotFound
			}
			return err
		}
		if doc.Version != expectedVersion {
			return store.ErrVersionConflict
		}

		op.DocumentID = docID
		op.Version = next
		if err := setJSON(txn, opKey(docID, next), op); err != nil {
			return err
		}
		doc.Version = next
		doc.UpdatedAt = s.now().UTC()
		return setJSON(txn, docKey(docID), doc)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = store.ErrVersionConflict
	}
	if err != nil {
		if !errors.Is(err, store.ErrVersionConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
		}
		return 0, err
	}
	return next, nil
}

func (s *Store) ReadRange(ctx context.Context, docID string, from, to uint64) ([]ot.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if to <= from {
		return nil, nil
	}
	var ops []ot.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := opPrefix(docID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opKey(docID, from+1)); it.ValidForPrefix(prefix); it.Next() {
			var op ot.Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("decode op %q: %w", it.Item().Key(), err)
			}
			if op.Version > to {
				break
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops, err
}

func (s *Store) WriteSnapshot(ctx context.Context, docID string, version uint64, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := store.Snapshot{DocumentID: docID, Version: version, Content: content, CreatedAt: s.now().UTC()}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, snapKey(docID, version), snap)
	})
}

func (s *Store) LatestSnapshot(ctx context.Context, docID string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	snap := store.Snapshot{DocumentID: docID}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := snapPrefix(docID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// 反向迭代：Seek 到前缀之后的最大键，第一个命中的就是最新快照
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	return snap, err
}

func (s *Store) Archive(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var doc store.Document
		if err := getJSON(txn, docKey(docID), &doc); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrDocumentNotFound
			}
			return err
		}
		doc.Archived = true
		doc.UpdatedAt = s.now().UTC()
		return setJSON(txn, docKey(docID), doc)
	})
}

func (s *Store) AddMember(ctx context.Context, docID string, userID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(docID, userID), []byte("1"))
	})
}

func (s *Store) IsMember(ctx context.Context, docID string, userID uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(docID, userID))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}
