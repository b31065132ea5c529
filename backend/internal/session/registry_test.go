package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/protocol"
	"doccollab/backend/internal/store"
)

type fakeChannel struct {
	mu     sync.Mutex
	msgs   []protocol.Outbound
	closed bool
	reason error
	// hold 非空时，join_ack 之后的每次 Send 都等它关闭
	hold chan struct{}
}

func (c *fakeChannel) Send(ctx context.Context, msg protocol.Outbound) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	n := len(c.msgs)
	c.mu.Unlock()
	if c.hold != nil && n > 1 {
		select {
		case <-c.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *fakeChannel) Close(reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeChannel) messages() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.msgs...)
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type materializerFunc func(ctx context.Context, docID string) (store.Snapshot, error)

func (f materializerFunc) Materialize(ctx context.Context, docID string) (store.Snapshot, error) {
	return f(ctx, docID)
}

func fixedContent(version uint64, content string) Materializer {
	return materializerFunc(func(_ context.Context, docID string) (store.Snapshot, error) {
		return store.Snapshot{DocumentID: docID, Version: version, Content: content}, nil
	})
}

type authzFunc func(ctx context.Context, p auth.Principal, docID string) (bool, error)

func (f authzFunc) CanAccess(ctx context.Context, p auth.Principal, docID string) (bool, error) {
	return f(ctx, p, docID)
}

type hookRecorder struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (h *hookRecorder) SessionJoined(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = append(h.joined, s.ID)
}

func (h *hookRecorder) SessionLeft(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, s.ID)
}

func (h *hookRecorder) Cursors(string) []protocol.Cursor { return []protocol.Cursor{} }

func (h *hookRecorder) leftCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.left)
}

var (
	alice = auth.Principal{ID: 1, Name: "alice"}
	bob   = auth.Principal{ID: 2, Name: "bob"}
)

func newRegistry(mat Materializer, opts Options) (*Registry, *hookRecorder) {
	opts.Logger = zerolog.Nop()
	r := NewRegistry(auth.AllowAll{}, mat, opts)
	hook := &hookRecorder{}
	r.SetPresence(hook)
	return r, hook
}

func committedOp(doc string, version uint64) ot.Operation {
	return ot.Operation{ID: "op", DocumentID: doc, Version: version, BaseVersion: version - 1, Kind: ot.KindInsert, Position: 0, Payload: "x", AuthorID: 9}
}

func TestJoinSendsJoinAckFirst(t *testing.T) {
	r, hook := newRegistry(fixedContent(3, "abc"), Options{})
	ch := &fakeChannel{}

	s, snap, err := r.Join(context.Background(), "d", alice, ch)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Version)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, uint64(3), s.LastAck())

	msgs := ch.messages()
	require.Len(t, msgs, 1)
	ack, ok := msgs[0].(protocol.JoinAck)
	require.True(t, ok)
	assert.Equal(t, s.ID, ack.SessionID)
	assert.Equal(t, uint64(3), ack.Version)
	assert.Equal(t, "abc", ack.Content)

	assert.Len(t, r.Sessions("d"), 1)
	assert.Equal(t, []string{s.ID}, hook.joined)
}

func TestJoinAuthorization(t *testing.T) {
	deny := authzFunc(func(context.Context, auth.Principal, string) (bool, error) { return false, nil })
	r := NewRegistry(deny, fixedContent(0, ""), Options{Logger: zerolog.Nop()})
	ch := &fakeChannel{}
	_, _, err := r.Join(context.Background(), "d", alice, ch)
	assert.ErrorIs(t, err, collab.ErrAuthorizationDenied)
	assert.Empty(t, r.Sessions("d"))
	assert.Zero(t, ch.count())

	broken := authzFunc(func(context.Context, auth.Principal, string) (bool, error) {
		return false, errors.New("acl backend down")
	})
	r = NewRegistry(broken, fixedContent(0, ""), Options{Logger: zerolog.Nop()})
	_, _, err = r.Join(context.Background(), "d", alice, &fakeChannel{})
	assert.ErrorIs(t, err, collab.ErrDocumentUnavailable)
}

func TestJoinStoreFailureIsDocumentUnavailable(t *testing.T) {
	failing := materializerFunc(func(context.Context, string) (store.Snapshot, error) {
		return store.Snapshot{}, errors.New("disk gone")
	})
	r, _ := newRegistry(failing, Options{})
	ch := &fakeChannel{}
	_, _, err := r.Join(context.Background(), "d", alice, ch)
	assert.ErrorIs(t, err, collab.ErrDocumentUnavailable)
	assert.Empty(t, r.Sessions("d"))
	assert.Zero(t, ch.count())
}

func TestJoinTimesOut(t *testing.T) {
	slow := materializerFunc(func(ctx context.Context, _ string) (store.Snapshot, error) {
		<-ctx.Done()
		return store.Snapshot{}, ctx.Err()
	})
	r, _ := newRegistry(slow, Options{JoinTimeout: 20 * time.Millisecond})
	_, _, err := r.Join(context.Background(), "d", alice, &fakeChannel{})
	assert.ErrorIs(t, err, collab.ErrDocumentUnavailable)
	code, _ := collab.Classify(err)
	assert.Equal(t, collab.CodeDocumentUnavailable, code)
}

func TestPublishAcksOriginAndBroadcastsToOthers(t *testing.T) {
	r, _ := newRegistry(fixedContent(3, "abc"), Options{})
	ch1, ch2 := &fakeChannel{}, &fakeChannel{}
	s1, _, err := r.Join(context.Background(), "d", alice, ch1)
	require.NoError(t, err)
	_, _, err = r.Join(context.Background(), "d", bob, ch2)
	require.NoError(t, err)

	r.Publish(committedOp("d", 4), s1.ID)
	r.Publish(committedOp("other", 1), "")

	require.Eventually(t, func() bool { return ch1.count() == 2 && ch2.count() == 2 }, time.Second, 5*time.Millisecond)
	ack, ok := ch1.messages()[1].(protocol.OpAck)
	require.True(t, ok, "origin gets an ack instead of its own op")
	assert.Equal(t, uint64(4), ack.CommittedVersion)
	committed, ok := ch2.messages()[1].(protocol.OpCommitted)
	require.True(t, ok)
	assert.Equal(t, uint64(4), committed.CommittedVersion)
	assert.Equal(t, uint64(9), committed.Author)
}

func TestCommitsFoldedIntoJoinContentAreNotResent(t *testing.T) {
	var r *Registry
	mat := materializerFunc(func(_ context.Context, docID string) (store.Snapshot, error) {
		// 取内容期间有两个操作提交，已经包含在返回的内容里
		r.Publish(committedOp(docID, 1), "")
		r.Publish(committedOp(docID, 2), "")
		return store.Snapshot{DocumentID: docID, Version: 2, Content: "xx"}, nil
	})
	r, _ = newRegistry(mat, Options{})
	ch := &fakeChannel{}
	_, _, err := r.Join(context.Background(), "d", alice, ch)
	require.NoError(t, err)

	r.Publish(committedOp("d", 3), "")
	require.Eventually(t, func() bool { return ch.count() == 2 }, time.Second, 5*time.Millisecond)

	msgs := ch.messages()
	assert.Equal(t, protocol.TypeJoinAck, msgs[0].MessageType())
	committed, ok := msgs[1].(protocol.OpCommitted)
	require.True(t, ok)
	assert.Equal(t, uint64(3), committed.CommittedVersion)
}

func TestQueueOverflowEvictsSession(t *testing.T) {
	r, hook := newRegistry(fixedContent(0, ""), Options{QueueSize: 2})
	ch := &fakeChannel{hold: make(chan struct{})}
	s, _, err := r.Join(context.Background(), "d", alice, ch)
	require.NoError(t, err)

	r.Publish(committedOp("d", 1), "")
	// 写协程卡在第一条上
	require.Eventually(t, func() bool { return ch.count() == 2 }, time.Second, 5*time.Millisecond)
	r.Publish(committedOp("d", 2), "")
	r.Publish(committedOp("d", 3), "")
	assert.Len(t, r.Sessions("d"), 1)

	r.Publish(committedOp("d", 4), "")
	assert.Empty(t, r.Sessions("d"))
	assert.ErrorIs(t, s.Err(), collab.ErrQueueOverflow)
	assert.Equal(t, 1, hook.leftCount())

	close(ch.hold)
	require.Eventually(t, ch.isClosed, time.Second, 5*time.Millisecond)
	msgs := ch.messages()
	last, ok := msgs[len(msgs)-1].(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, collab.CodeResyncRequired, last.Code)
	assert.Equal(t, collab.AdviceRejoin, last.Advice)
	assert.ErrorIs(t, ch.reason, collab.ErrQueueOverflow)
}

func TestSessionEvictedDuringJoinNeverReportsLeft(t *testing.T) {
	var (
		r     *Registry
		first *Session
	)
	mat := materializerFunc(func(_ context.Context, docID string) (store.Snapshot, error) {
		if first != nil {
			// 第二个会话在取内容期间队列溢出
			for _, s := range r.Sessions(docID) {
				if s.ID != first.ID {
					r.SendError(s, collab.ErrDocumentUnavailable)
					r.SendError(s, collab.ErrDocumentUnavailable)
				}
			}
		}
		return store.Snapshot{DocumentID: docID}, nil
	})
	r, hook := newRegistry(mat, Options{QueueSize: 1})

	var err error
	first, _, err = r.Join(context.Background(), "d", alice, &fakeChannel{})
	require.NoError(t, err)

	ch := &fakeChannel{}
	_, _, err = r.Join(context.Background(), "d", alice, ch)
	require.ErrorIs(t, err, collab.ErrQueueOverflow)
	assert.Zero(t, ch.count())

	hook.mu.Lock()
	assert.Equal(t, []string{first.ID}, hook.joined)
	assert.Empty(t, hook.left)
	hook.mu.Unlock()

	sessions := r.Sessions("d")
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)

	r.Leave(first)
	assert.Equal(t, 1, hook.leftCount())
}

func TestEphemeralOverflowNeverEvicts(t *testing.T) {
	r, _ := newRegistry(fixedContent(0, ""), Options{EphemeralQueueSize: 1})
	ch := &fakeChannel{hold: make(chan struct{})}
	defer close(ch.hold)
	_, _, err := r.Join(context.Background(), "d", alice, ch)
	require.NoError(t, err)

	dropped := 0
	for i := 0; i < 5; i++ {
		dropped += r.BroadcastEphemeral("d", "", protocol.Cursor{Type: protocol.TypeCursor, DocumentID: "d", Position: i})
	}
	assert.GreaterOrEqual(t, dropped, 3)
	assert.Len(t, r.Sessions("d"), 1)
}

func TestBroadcastEphemeralSkipsSender(t *testing.T) {
	r, _ := newRegistry(fixedContent(0, ""), Options{})
	ch1, ch2 := &fakeChannel{}, &fakeChannel{}
	s1, _, err := r.Join(context.Background(), "d", alice, ch1)
	require.NoError(t, err)
	_, _, err = r.Join(context.Background(), "d", bob, ch2)
	require.NoError(t, err)

	r.BroadcastEphemeral("d", s1.ID, protocol.Cursor{Type: protocol.TypeCursor, DocumentID: "d", UserID: 1})
	require.Eventually(t, func() bool { return ch2.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ch1.count())
}

func TestLeaveIsIdempotent(t *testing.T) {
	r, hook := newRegistry(fixedContent(0, ""), Options{})
	ch := &fakeChannel{}
	s, _, err := r.Join(context.Background(), "d", alice, ch)
	require.NoError(t, err)

	r.Leave(s)
	r.Leave(s)
	assert.Empty(t, r.Sessions("d"))
	assert.Equal(t, 1, hook.leftCount())
	require.Eventually(t, ch.isClosed, time.Second, 5*time.Millisecond)
	assert.NoError(t, ch.reason)
	assert.Len(t, ch.messages(), 1, "no error is sent on a voluntary leave")

	// 离开后再推送不会出问题
	r.Publish(committedOp("d", 1), "")
}

func TestAckIsMonotonic(t *testing.T) {
	r, _ := newRegistry(fixedContent(5, "hello"), Options{})
	s, _, err := r.Join(context.Background(), "d", alice, &fakeChannel{})
	require.NoError(t, err)

	r.Ack(s, 8)
	r.Ack(s, 6)
	assert.Equal(t, uint64(8), s.LastAck())
}

func TestReapRemovesSilentSessions(t *testing.T) {
	r, _ := newRegistry(fixedContent(0, ""), Options{SessionTimeout: time.Minute})
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	r.now = func() time.Time { return now }

	silentCh := &fakeChannel{}
	silent, _, err := r.Join(context.Background(), "d", alice, silentCh)
	require.NoError(t, err)
	alive, _, err := r.Join(context.Background(), "d", bob, &fakeChannel{})
	require.NoError(t, err)

	now = t0.Add(50 * time.Second)
	r.Touch(alive)

	assert.Equal(t, 1, r.Reap(t0.Add(61*time.Second)))
	sessions := r.Sessions("d")
	require.Len(t, sessions, 1)
	assert.Equal(t, alive.ID, sessions[0].ID)
	assert.ErrorIs(t, silent.Err(), collab.ErrLivenessTimeout)

	require.Eventually(t, silentCh.isClosed, time.Second, 5*time.Millisecond)
	msgs := silentCh.messages()
	last, ok := msgs[len(msgs)-1].(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, collab.CodeSessionExpired, last.Code)
}

func TestCloseDropsSessionsAndRejectsJoins(t *testing.T) {
	r, _ := newRegistry(fixedContent(0, ""), Options{})
	ch := &fakeChannel{}
	_, _, err := r.Join(context.Background(), "d", alice, ch)
	require.NoError(t, err)

	r.Close()
	assert.Zero(t, r.Count())
	require.Eventually(t, ch.isClosed, time.Second, 5*time.Millisecond)
	msgs := ch.messages()
	last, ok := msgs[len(msgs)-1].(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, collab.CodeDocumentUnavailable, last.Code)
	assert.Equal(t, collab.AdviceRetry, last.Advice)

	_, _, err = r.Join(context.Background(), "d", bob, &fakeChannel{})
	assert.ErrorIs(t, err, collab.ErrDocumentUnavailable)
}
