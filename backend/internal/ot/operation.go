// Package ot 定义单文档纯文本的操作模型与操作变换（OT）规则。
// 这里的函数都是纯函数，不做任何 I/O，便于在重放时得到完全相同的结果。
package ot

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"doccollab/backend/internal/ot/delta"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
)

var (
	ErrUnknownKind   = errors.New("unknown operation kind")
	ErrNegativeRange = errors.New("negative position or length")
	ErrEmptyInsert   = errors.New("insert payload must not be empty")
	ErrOutOfBounds   = errors.New("operation out of bounds")
	ErrBadRanges     = errors.New("delete ranges must be ascending, disjoint and non-empty")
)

// Range 删除的一段，坐标是删除之前的文档
type Range struct {
	Position int `json:"position"`
	Length   int `json:"length"`
}

// Operation 一次编辑操作。提交后不可变。
// Position / Length 都按 Unicode 字符（rune）计。
// 删除被并发插入拆开时 Ranges 记录各段（升序、不相交），此时 Position 是第一段起点，Length 是总删除长度。
type Operation struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	AuthorID    uint64    `json:"authorId"`
	Kind        Kind      `json:"kind"`
	Position    int       `json:"position"`
	Length      int       `json:"length,omitempty"`  // delete/retain 的长度
	Payload     string    `json:"payload,omitempty"` // insert 的文本
	Ranges      []Range   `json:"ranges,omitempty"`
	BaseVersion uint64    `json:"baseVersion"`
	Version     uint64    `json:"version"` // 由 Sequencer 分配
	ClientID    string    `json:"clientId,omitempty"`
	ClientSeq   uint64    `json:"clientSeq,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Span 返回操作在文档中占据的长度：insert 为插入的字符数，其余为 Length。
func (op Operation) Span() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Payload)
	}
	return op.Length
}

// IsNoop 变换后可能退化成空操作（比如删除范围已被别人删光），空操作依旧占用一个版本号。
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Payload == ""
	case KindDelete:
		return op.Length == 0
	default:
		return true
	}
}

// Validate 只检查操作自身的形状，不检查与文档长度的关系。
func (op Operation) Validate() error {
	if op.Position < 0 || op.Length < 0 {
		return ErrNegativeRange
	}
	switch op.Kind {
	case KindInsert:
		if op.Payload == "" {
			return ErrEmptyInsert
		}
	case KindDelete, KindRetain:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if len(op.Ranges) > 0 {
		return op.validateRanges()
	}
	return nil
}

func (op Operation) validateRanges() error {
	if op.Kind != KindDelete {
		return fmt.Errorf("%w: %s with ranges", ErrBadRanges, op.Kind)
	}
	end, total := -1, 0
	for _, r := range op.Ranges {
		if r.Length <= 0 || r.Position <= end {
			return ErrBadRanges
		}
		end = r.Position + r.Length
		total += r.Length
	}
	if op.Position != op.Ranges[0].Position || op.Length != total {
		return fmt.Errorf("%w: position/length disagree with ranges", ErrBadRanges)
	}
	return nil
}

// DeleteRanges 返回删除覆盖的各段；没有拆分时就是 [Position, Position+Length)
func (op Operation) DeleteRanges() []Range {
	if len(op.Ranges) > 0 {
		return op.Ranges
	}
	return []Range{{Position: op.Position, Length: op.Length}}
}

// withRanges 规整删除的分段：去掉空段、合并相邻段。全部为空时退化成起点在第一段的空删除。
func (op Operation) withRanges(rs []Range) Operation {
	out := make([]Range, 0, len(rs))
	for _, r := range rs {
		if r.Length <= 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Position+out[n-1].Length == r.Position {
			out[n-1].Length += r.Length
			continue
		}
		out = append(out, r)
	}
	switch len(out) {
	case 0:
		if len(rs) > 0 {
			op.Position = rs[0].Position
		}
		op.Length, op.Ranges = 0, nil
	case 1:
		op.Position, op.Length, op.Ranges = out[0].Position, out[0].Length, nil
	default:
		total := 0
		for _, r := range out {
			total += r.Length
		}
		op.Position, op.Length, op.Ranges = out[0].Position, total, out
	}
	return op
}

func (op Operation) end() int {
	switch op.Kind {
	case KindInsert:
		return op.Position
	case KindDelete:
		rs := op.DeleteRanges()
		last := rs[len(rs)-1]
		return last.Position + last.Length
	}
	return op.Position + op.Length
}

// CheckBounds 检查操作能否作用在长度为 docLen 的文档上。
func (op Operation) CheckBounds(docLen int) error {
	end := op.end()
	if op.Position > docLen || end > docLen {
		return fmt.Errorf("%w: %s at %d..%d, document length %d", ErrOutOfBounds, op.Kind, op.Position, end, docLen)
	}
	return nil
}

// Delta 把单个操作转换成 retain/insert/delete 序列，交给 piece table 应用。
func (op Operation) Delta() delta.Delta {
	if op.Kind == KindDelete {
		// 游标是删除之后的坐标，每段起点要扣掉前面已经删掉的长度
		d, cur, removed := delta.Delta{}, 0, 0
		for _, r := range op.DeleteRanges() {
			start := r.Position - removed
			d = d.Retain(start - cur).Delete(r.Length)
			cur, removed = start, removed+r.Length
		}
		return d
	}
	d := delta.Delta{}.Retain(op.Position)
	switch op.Kind {
	case KindInsert:
		d = d.Insert(op.Payload)
	case KindRetain:
		d = d.Retain(op.Length)
	}
	return d
}

// Apply 把操作作用到字符串上并返回新内容。
func Apply(content string, op Operation) (string, error) {
	r := []rune(content)
	if err := op.CheckBounds(len(r)); err != nil {
		return "", err
	}
	switch op.Kind {
	case KindInsert:
		out := make([]rune, 0, len(r)+op.Span())
		out = append(out, r[:op.Position]...)
		out = append(out, []rune(op.Payload)...)
		out = append(out, r[op.Position:]...)
		return string(out), nil
	case KindDelete:
		out := make([]rune, 0, len(r)-op.Length)
		from := 0
		for _, rg := range op.DeleteRanges() {
			out = append(out, r[from:rg.Position]...)
			from = rg.Position + rg.Length
		}
		out = append(out, r[from:]...)
		return string(out), nil
	case KindRetain:
		return content, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
}

// Replay 从 content 开始按顺序应用 ops。
func Replay(content string, ops []Operation) (string, error) {
	var err error
	for _, op := range ops {
		if content, err = Apply(content, op); err != nil {
			return "", fmt.Errorf("replay version %d: %w", op.Version, err)
		}
	}
	return content, nil
}
