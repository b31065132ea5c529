package collab

import (
	"errors"
	"math/rand"
	"testing"

	"doccollab/backend/internal/ot"
	"doccollab/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if got := pt.Len(); got != 11 {
		t.Fatalf("Len() = %d, want 11", got)
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")
	d := delta.Delta{}.Retain(5).Insert(" collaborative")
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got, want := pt.String(), "Hello collaborative world"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if err := pt.Apply(delta.Delta{}.Retain(5).Insert(" big")); err != nil {
		t.Fatal(err)
	}
	// "Hello big world" 删掉 "lo big w"
	if err := pt.Apply(delta.Delta{}.Retain(3).Delete(8)); err != nil {
		t.Fatal(err)
	}
	if got, want := pt.String(), "Helorld"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if pt.Len() != 7 {
		t.Fatalf("Len() = %d, want 7", pt.Len())
	}
}

func TestPieceTable_EmptyAndUnicode(t *testing.T) {
	pt := NewPieceTable("")
	if err := pt.Apply(delta.Delta{}.Insert("你好")); err != nil {
		t.Fatal(err)
	}
	if err := pt.Apply(delta.Delta{}.Retain(1).Insert("们")); err != nil {
		t.Fatal(err)
	}
	if got := pt.String(); got != "你们好" {
		t.Fatalf("String() = %q", got)
	}
}

func TestPieceTable_OutOfRangeLeavesContent(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{}.Retain(2).Delete(2))
	if !errors.Is(err, ErrDeltaOutOfRange) {
		t.Fatalf("err = %v, want ErrDeltaOutOfRange", err)
	}
	err = pt.Apply(delta.Delta{}.Retain(4).Insert("x"))
	if !errors.Is(err, ErrDeltaOutOfRange) {
		t.Fatalf("err = %v, want ErrDeltaOutOfRange", err)
	}
	// 插入之后的 retain 仍然只能消费原文
	err = pt.Apply(delta.Delta{}.Retain(1).Insert("x").Retain(3))
	if !errors.Is(err, ErrDeltaOutOfRange) {
		t.Fatalf("err = %v, want ErrDeltaOutOfRange", err)
	}
	if pt.String() != "abc" {
		t.Fatalf("content changed: %q", pt.String())
	}
}

// piece table 与字符串实现的结果必须一致
func TestPieceTable_MatchesStringApply(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	content := "piece tables are fun"
	pt := NewPieceTable(content)
	for i := 0; i < 2000; i++ {
		n := len([]rune(content))
		var op ot.Operation
		if n == 0 || r.Intn(3) > 0 {
			op = ot.Operation{Kind: ot.KindInsert, Position: r.Intn(n + 1), Payload: string(rune('a' + r.Intn(26)))}
		} else {
			pos := r.Intn(n)
			op = ot.Operation{Kind: ot.KindDelete, Position: pos, Length: 1 + r.Intn(n-pos)}
		}
		want, err := ot.Apply(content, op)
		if err != nil {
			t.Fatal(err)
		}
		if err := pt.Apply(op.Delta()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := pt.String(); got != want {
			t.Fatalf("step %d: got %q want %q", i, got, want)
		}
		content = want
	}
}
