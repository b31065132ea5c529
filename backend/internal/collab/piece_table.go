package collab

import (
	"fmt"
	"strings"

	"doccollab/backend/internal/ot/delta"
)

/*
piece table：原始文本只读，新插入的文本只追加到 add 缓冲区，
文档内容由一串 piece（指向两个缓冲区中的某一段）拼出来。

初始 "Hello world"：

	original = "Hello world"   add = ""
	pieces   = [(orig, 0, 11)]

在位置 5 插入 " collaborative"：

	add    = " collaborative"
	pieces = [(orig, 0, 5), (add, 0, 14), (orig, 5, 6)]

删除只改 piece 的 offset/length，不搬动文本。
*/

type source uint8

const (
	srcOriginal source = iota
	srcAdd
)

type piece struct {
	src    source
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	size     int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, size: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{src: srcOriginal, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.size }

func (pt *PieceTable) String() string {
	var b strings.Builder
	b.Grow(pt.size)
	for _, p := range pt.pieces {
		b.WriteString(string(pt.text(p)))
	}
	return b.String()
}

func (pt *PieceTable) text(p piece) []rune {
	if p.src == srcOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply 依次执行 delta：retain 只移动游标，insert 在游标处插入，delete 从游标处删除。
// 越界时返回 ErrDeltaOutOfRange，且不修改内容。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := pt.check(d); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) check(d delta.Delta) error {
	if n := d.BaseLen(); n > pt.size {
		return fmt.Errorf("%w: delta consumes %d, length %d", ErrDeltaOutOfRange, n, pt.size)
	}
	pos, size := 0, pt.size
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			n := len([]rune(op.Text))
			pos += n
			size += n
		case delta.KindDelete:
			if pos+op.Count > size {
				return fmt.Errorf("%w: delete %d at %d, length %d", ErrDeltaOutOfRange, op.Count, pos, size)
			}
			size -= op.Count
		default:
			return fmt.Errorf("unknown delta kind %q", op.Kind)
		}
		if pos > size {
			return fmt.Errorf("%w: cursor %d, length %d", ErrDeltaOutOfRange, pos, size)
		}
	}
	return nil
}

// splitAt 保证 pos 落在 piece 边界上，返回边界右侧 piece 的下标
func (pt *PieceTable) splitAt(pos int) int {
	cur := 0
	for i, p := range pt.pieces {
		if pos == cur {
			return i
		}
		if pos < cur+p.length {
			k := pos - cur
			left := piece{src: p.src, offset: p.offset, length: k}
			right := piece{src: p.src, offset: p.offset + k, length: p.length - k}
			pt.pieces = append(pt.pieces, piece{})
			copy(pt.pieces[i+2:], pt.pieces[i+1:])
			pt.pieces[i], pt.pieces[i+1] = left, right
			return i + 1
		}
		cur += p.length
	}
	return len(pt.pieces)
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	if len(r) == 0 {
		return 0
	}
	np := piece{src: srcAdd, offset: len(pt.add), length: len(r)}
	pt.add = append(pt.add, r...)

	i := pt.splitAt(pos)
	// 连续输入时直接延长前一个 add piece
	if i > 0 {
		prev := &pt.pieces[i-1]
		if prev.src == srcAdd && prev.offset+prev.length == np.offset {
			prev.length += np.length
			pt.size += np.length
			return np.length
		}
	}
	pt.pieces = append(pt.pieces, piece{})
	copy(pt.pieces[i+1:], pt.pieces[i:])
	pt.pieces[i] = np
	pt.size += np.length
	return np.length
}

func (pt *PieceTable) delete(pos, n int) {
	if n <= 0 {
		return
	}
	from := pt.splitAt(pos)
	to := pt.splitAt(pos + n)
	pt.pieces = append(pt.pieces[:from], pt.pieces[to:]...)
	pt.size -= n
}
