package ot_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doccollab/backend/internal/ot"
)

func ins(author uint64, pos int, text string) ot.Operation {
	return ot.Operation{AuthorID: author, Kind: ot.KindInsert, Position: pos, Payload: text}
}

func del(author uint64, pos, n int) ot.Operation {
	return ot.Operation{AuthorID: author, Kind: ot.KindDelete, Position: pos, Length: n}
}

func apply(t *testing.T, content string, ops ...ot.Operation) string {
	t.Helper()
	out, err := ot.Replay(content, ops)
	require.NoError(t, err)
	return out
}

func TestApply(t *testing.T) {
	s := apply(t, "", ins(1, 0, "foo"), ins(1, 0, "foo"), del(1, 2, 1), del(1, 2, 1))
	assert.Equal(t, "fooo", s)

	s = apply(t, "héllo", ins(1, 1, "ü"), del(1, 3, 2))
	assert.Equal(t, "hüéo", s, "positions count runes, not bytes")

	s = apply(t, "abc", ot.Operation{Kind: ot.KindRetain, Position: 1, Length: 2})
	assert.Equal(t, "abc", s)
}

func TestApplyOutOfBounds(t *testing.T) {
	_, err := ot.Apply("abc", ins(1, 4, "x"))
	assert.ErrorIs(t, err, ot.ErrOutOfBounds)
	_, err = ot.Apply("abc", del(1, 2, 2))
	assert.ErrorIs(t, err, ot.ErrOutOfBounds)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ins(1, 0, "x").Validate())
	assert.ErrorIs(t, ins(1, 0, "").Validate(), ot.ErrEmptyInsert)
	assert.ErrorIs(t, del(1, -1, 1).Validate(), ot.ErrNegativeRange)
	assert.ErrorIs(t, ot.Operation{Kind: "bold"}.Validate(), ot.ErrUnknownKind)
}

func TestTransformInsertShiftsLaterInsert(t *testing.T) {
	a := ins(1, 0, "hello")
	b := ot.Transform(ins(2, 0, "world"), a)
	assert.Equal(t, 5, b.Position)
	assert.Equal(t, "helloworld", apply(t, "", a, b))
}

func TestTransformInsertIntoDeletedRangeClamps(t *testing.T) {
	a := del(1, 0, 5)
	b := ot.Transform(ins(2, 2, "X"), a)
	assert.Equal(t, 0, b.Position)
	assert.Equal(t, "Xworld", apply(t, "helloworld", a, b))
}

func TestTransformInsertAfterDeleteShiftsBack(t *testing.T) {
	b := ot.Transform(ins(2, 8, "!"), del(1, 0, 5))
	assert.Equal(t, 3, b.Position)
}

func TestTransformOverlappingDeletesShrink(t *testing.T) {
	// "abcdefgh": a 删 [2,6)，b 删 [4,8)，b 只剩 [6,8) 映射后的 [2,4)
	a := del(1, 2, 4)
	b := ot.Transform(del(2, 4, 4), a)
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, 2, b.Length)
	assert.Equal(t, "ab", apply(t, "abcdefgh", a, b))

	// 完全被覆盖的删除退化成空操作
	c := ot.Transform(del(2, 3, 2), a)
	assert.True(t, c.IsNoop())
	assert.Equal(t, "abgh", apply(t, "abcdefgh", a, c))
}

func TestTransformDeleteSplitsAroundInsertInside(t *testing.T) {
	a := ins(1, 3, "XY")
	b := ot.Transform(del(2, 1, 4), a)
	assert.Equal(t, []ot.Range{{Position: 1, Length: 2}, {Position: 5, Length: 2}}, b.Ranges)
	assert.Equal(t, 1, b.Position)
	assert.Equal(t, 4, b.Length)
	require.NoError(t, b.Validate())
	assert.Equal(t, "aXYfg", apply(t, "abcdefg", a, b))

	// 反过来先删后插，结果一样
	c := ot.Transform(a, del(2, 1, 4))
	assert.Equal(t, "aXYfg", apply(t, "abcdefg", del(2, 1, 4), c))
}

func TestInsertAndDeleteConvergeInEitherOrder(t *testing.T) {
	d, x := del(1, 0, 5), ins(2, 2, "X")
	deleteFirst := apply(t, "helloworld", d, ot.Transform(x, d))
	insertFirst := apply(t, "helloworld", x, ot.Transform(d, x))
	assert.Equal(t, "Xworld", deleteFirst)
	assert.Equal(t, deleteFirst, insertFirst)
}

func TestSplitDeleteTransformsAgainstLaterEdits(t *testing.T) {
	// "abcdefgh" 上的删除被插入拆成 [1,3) 和 [5,7)
	split := ot.Transform(del(2, 1, 4), ins(1, 3, "XY"))
	require.Len(t, split.Ranges, 2)

	// 再经过一个删掉两段之间文本的删除，两段合并
	merged := ot.Transform(split, del(3, 3, 2))
	assert.Nil(t, merged.Ranges)
	assert.Equal(t, 1, merged.Position)
	assert.Equal(t, 4, merged.Length)

	// 插入落在被拆开的第二段里，位置收缩到那一段的起点
	moved := ot.Transform(ins(4, 6, "!"), split)
	assert.Equal(t, 3, moved.Position)

	// 两段都已被别人删掉，退化成空操作
	gone := ot.Transform(split, del(3, 0, 9))
	assert.True(t, gone.IsNoop())
}

func TestValidateRanges(t *testing.T) {
	op := ot.Operation{Kind: ot.KindDelete, Position: 1, Length: 3,
		Ranges: []ot.Range{{Position: 1, Length: 1}, {Position: 4, Length: 2}}}
	assert.NoError(t, op.Validate())

	bad := op
	bad.Ranges = []ot.Range{{Position: 4, Length: 2}, {Position: 1, Length: 1}}
	assert.ErrorIs(t, bad.Validate(), ot.ErrBadRanges)

	bad = op
	bad.Length = 5
	assert.ErrorIs(t, bad.Validate(), ot.ErrBadRanges)

	bad = ins(1, 0, "x")
	bad.Ranges = op.Ranges
	assert.ErrorIs(t, bad.Validate(), ot.ErrBadRanges)
}

func TestTransformInsertBeforeDeleteAtSamePosition(t *testing.T) {
	// 同位置：插入在前，删除后移
	a := ins(1, 2, "XY")
	b := ot.Transform(del(2, 2, 2), a)
	assert.Equal(t, 4, b.Position)
	assert.Equal(t, "abXYef", apply(t, "abcdef", a, b))

	c := ot.Transform(ins(1, 2, "XY"), del(2, 2, 2))
	assert.Equal(t, 2, c.Position)
}

func TestTransformTieBreakIsOrderIndependent(t *testing.T) {
	low, high := ins(3, 1, "L"), ins(7, 1, "H")

	first := apply(t, "ab", low, ot.Transform(high, low))
	second := apply(t, "ab", high, ot.Transform(low, high))
	assert.Equal(t, "aLHb", first)
	assert.Equal(t, first, second)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, apply(t, "ab", low, ot.Transform(high, low)))
	}
}

func TestTransformSameAuthorTieFallsBackToClientAndPayload(t *testing.T) {
	a := ot.Operation{AuthorID: 1, ClientID: "tab-a", Kind: ot.KindInsert, Position: 0, Payload: "1"}
	b := ot.Operation{AuthorID: 1, ClientID: "tab-b", Kind: ot.KindInsert, Position: 0, Payload: "2"}
	assert.Equal(t,
		apply(t, "", a, ot.Transform(b, a)),
		apply(t, "", b, ot.Transform(a, b)))
}

func TestTransformAgainstNoopIsIdentity(t *testing.T) {
	op := del(1, 2, 3)
	assert.Equal(t, op, ot.Transform(op, del(2, 5, 0)))
	assert.Equal(t, op, ot.Transform(op, ot.Operation{Kind: ot.KindRetain, Position: 0, Length: 9}))
}

func TestTransformRetainRangeTracksEdits(t *testing.T) {
	r := ot.Operation{Kind: ot.KindRetain, Position: 2, Length: 3}
	got := ot.Transform(r, ins(1, 3, "zz"))
	assert.Equal(t, 2, got.Position)
	assert.Equal(t, 5, got.Length)
	got = ot.Transform(r, del(1, 0, 3))
	assert.Equal(t, 0, got.Position)
	assert.Equal(t, 2, got.Length)
}

func randomOp(r *rand.Rand, author uint64, docLen int) ot.Operation {
	pos := r.Intn(docLen + 1)
	if docLen == 0 || r.Intn(2) == 0 {
		letters := []rune("abcxyz…é")
		n := 1 + r.Intn(3)
		text := make([]rune, n)
		for i := range text {
			text[i] = letters[r.Intn(len(letters))]
		}
		return ins(author, pos, string(text))
	}
	if pos == docLen {
		pos--
	}
	return del(author, pos, 1+r.Intn(docLen-pos))
}

// 一组基于同一版本的并发操作，逐个变换后按全序应用，永远不会越界
func TestTransformAllStaysInBoundsProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 500; round++ {
		base := "the quick brown fox"
		var history []ot.Operation
		content := base
		concurrent := 1 + r.Intn(6)
		for i := 0; i < concurrent; i++ {
			op := ot.TransformAll(randomOp(r, uint64(r.Intn(4)+1), len([]rune(base))), history)
			require.NoError(t, op.CheckBounds(len([]rune(content))), "round %d op %d: %+v", round, i, op)
			next, err := ot.Apply(content, op)
			require.NoError(t, err)
			content = next
			history = append(history, op)
		}
	}
}

// 任意两个基于同一版本的插入/删除满足 TP1：两种应用顺序得到相同内容
func TestTransformPairwiseConvergenceProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	base := "collaborative editing"
	n := len([]rune(base))
	gens := []func(*rand.Rand, uint64, int) ot.Operation{randomInsert, randomDelete}
	for round := 0; round < 2000; round++ {
		a := gens[round%2](r, 1, n)
		b := gens[(round/2)%2](r, 2, n)
		left := apply(t, base, a, ot.Transform(b, a))
		right := apply(t, base, b, ot.Transform(a, b))
		require.Equal(t, left, right, "a=%+v b=%+v", a, b)
	}
}

// 拆开的删除继续参与变换时同样收敛
func TestTransformSplitDeleteConvergenceProperty(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for round := 0; round < 1000; round++ {
		content := "split deletes converge"
		x := randomInsert(r, 1, len([]rune(content)))
		d := ot.Transform(randomDelete(r, 2, len([]rune(content))), x)
		content = apply(t, content, x)
		n := len([]rune(content))

		other := randomOp(r, 3, n)
		left := apply(t, content, d, ot.Transform(other, d))
		right := apply(t, content, other, ot.Transform(d, other))
		require.Equal(t, left, right, "d=%+v other=%+v", d, other)
	}
}

func randomInsert(r *rand.Rand, author uint64, n int) ot.Operation {
	for {
		op := randomOp(r, author, n)
		if op.Kind == ot.KindInsert {
			return op
		}
	}
}

func randomDelete(r *rand.Rand, author uint64, n int) ot.Operation {
	pos := r.Intn(n)
	return del(author, pos, 1+r.Intn(n-pos))
}

func TestDeltaConversion(t *testing.T) {
	d := ins(1, 3, "xy").Delta()
	require.Len(t, d, 2)
	assert.Equal(t, 3, d.BaseLen())

	d = del(1, 0, 4).Delta()
	require.Len(t, d, 1)
	assert.Equal(t, 4, d.BaseLen())

	split := ot.Operation{Kind: ot.KindDelete, Position: 1, Length: 3,
		Ranges: []ot.Range{{Position: 1, Length: 1}, {Position: 4, Length: 2}}}
	d = split.Delta()
	assert.Equal(t, 6, d.BaseLen())
	s, err := ot.Apply("abcdefg", split)
	require.NoError(t, err)
	assert.Equal(t, "acdg", s)
}
