package badgerstore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertOp(pos int, text string) ot.Operation {
	return ot.Operation{Kind: ot.KindInsert, Position: pos, Payload: text, AuthorID: 1}
}

func TestCreateAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)

	require.NoError(t, s.CreateDocument(ctx, store.Document{ID: "d1", Title: "notes", OwnerID: 7}))
	assert.ErrorIs(t, s.CreateDocument(ctx, store.Document{ID: "d1"}), store.ErrDocumentExists)

	doc, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "notes", doc.Title)
	assert.Equal(t, uint64(7), doc.OwnerID)
	assert.Equal(t, uint64(0), doc.Version)
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestDocumentIDsCannotCollideOnKeyPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnsureDocument(ctx, "a")
	require.NoError(t, err)
	_, err = s.AppendIfVersionMatches(ctx, "a", 0, insertOp(0, "x"))
	require.NoError(t, err)

	_, err = s.EnsureDocument(ctx, "a\x00b")
	assert.ErrorIs(t, err, store.ErrInvalidDocumentID)
	assert.ErrorIs(t, s.CreateDocument(ctx, store.Document{ID: ""}), store.ErrInvalidDocumentID)
	assert.ErrorIs(t, s.CreateDocument(ctx, store.Document{ID: strings.Repeat("x", store.MaxDocumentIDLen+1)}), store.ErrInvalidDocumentID)

	ops, err := s.ReadRange(ctx, "a", 0, store.Latest)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSplitDeleteRangesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureDocument(ctx, "d")
	require.NoError(t, err)

	split := ot.Operation{Kind: ot.KindDelete, Position: 1, Length: 2,
		Ranges: []ot.Range{{Position: 1, Length: 1}, {Position: 4, Length: 1}}}
	_, err = s.AppendIfVersionMatches(ctx, "d", 0, split)
	require.NoError(t, err)

	ops, err := s.ReadRange(ctx, "d", 0, store.Latest)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, split.Ranges, ops[0].Ranges)
}

func TestEnsureDocumentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := s.EnsureDocument(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)

	_, err = s.AppendIfVersionMatches(ctx, "fresh", 0, insertOp(0, "a"))
	require.NoError(t, err)

	doc, err = s.EnsureDocument(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
}

func TestAppendIfVersionMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureDocument(ctx, "d")
	require.NoError(t, err)

	v, err := s.AppendIfVersionMatches(ctx, "d", 0, insertOp(0, "a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = s.AppendIfVersionMatches(ctx, "d", 0, insertOp(0, "b"))
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	_, err = s.AppendIfVersionMatches(ctx, "missing", 0, insertOp(0, "b"))
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)

	ops, err := s.ReadRange(ctx, "d", 0, store.Latest)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(1), ops[0].Version)
	assert.Equal(t, "d", ops[0].DocumentID)
	assert.Equal(t, "a", ops[0].Payload)
}

func TestConcurrentAppendsYieldContiguousVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureDocument(ctx, "d")
	require.NoError(t, err)

	const writers, perWriter = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; {
				doc, err := s.GetDocument(ctx, "d")
				if err != nil {
					t.Error(err)
					return
				}
				_, err = s.AppendIfVersionMatches(ctx, "d", doc.Version, insertOp(0, "x"))
				if err == nil {
					i++
				}
			}
		}()
	}
	wg.Wait()

	ops, err := s.ReadRange(ctx, "d", 0, store.Latest)
	require.NoError(t, err)
	require.Len(t, ops, writers*perWriter)
	for i, op := range ops {
		require.Equal(t, uint64(i+1), op.Version)
	}
}

func TestReadRangeBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureDocument(ctx, "d")
	require.NoError(t, err)
	_, err = s.EnsureDocument(ctx, "d2")
	require.NoError(t, err)
	for v := uint64(0); v < 12; v++ {
		_, err := s.AppendIfVersionMatches(ctx, "d", v, insertOp(0, "x"))
		require.NoError(t, err)
	}
	_, err = s.AppendIfVersionMatches(ctx, "d2", 0, insertOp(0, "y"))
	require.NoError(t, err)

	ops, err := s.ReadRange(ctx, "d", 3, 10)
	require.NoError(t, err)
	require.Len(t, ops, 7)
	assert.Equal(t, uint64(4), ops[0].Version)
	assert.Equal(t, uint64(10), ops[6].Version)

	ops, err = s.ReadRange(ctx, "d", 12, store.Latest)
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = s.ReadRange(ctx, "d2", 0, store.Latest)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "y", ops[0].Payload)
}

func TestLatestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, err := s.LatestSnapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Empty(t, snap.Content)

	require.NoError(t, s.WriteSnapshot(ctx, "d", 5, "five"))
	require.NoError(t, s.WriteSnapshot(ctx, "d", 120, "one-twenty"))
	require.NoError(t, s.WriteSnapshot(ctx, "d", 40, "forty"))
	require.NoError(t, s.WriteSnapshot(ctx, "d0", 999, "other doc"))

	snap, err = s.LatestSnapshot(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), snap.Version)
	assert.Equal(t, "one-twenty", snap.Content)
}

func TestArchiveAndMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Archive(ctx, "nope"), store.ErrDocumentNotFound)

	_, err := s.EnsureDocument(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, "d"))
	doc, err := s.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.True(t, doc.Archived)

	ok, err := s.IsMember(ctx, "d", 42)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.AddMember(ctx, "d", 42))
	ok, err = s.IsMember(ctx, "d", 42)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsMember(ctx, "d", 4)
	require.NoError(t, err)
	assert.False(t, ok)
}
