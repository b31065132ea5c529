package ot

import "strings"

// Transform 把候选操作 op 变换到已提交操作 against 之后的坐标系。
// 约定 against 在全序中排在 op 之前（它已经拿到了版本号）。
//
// 规则：
//   - against 是插入：插入点在 op 起点之前（或同位且优先级更高）时，op 整体后移插入长度；
//     插入点严格落在 op 的删除范围内部时，删除在插入的文本两侧拆成两段，新文本保留；
//     落在保留范围内部时，保留范围扩大。
//   - against 是删除：op 的起止位置映射到删除后的坐标，落在被删范围内的位置收缩到删除起点；
//     因此插入会被夹到删除起点，删除范围会缩短（可能变成 0 长度的空操作）。
//
// 插入和删除无论谁先提交，插入的文本都保留下来，两种顺序得到同样的内容。
//   - against 是保留或空操作：不影响 op。
func Transform(op, against Operation) Operation {
	if against.IsNoop() {
		return op
	}
	switch against.Kind {
	case KindInsert:
		return transformAfterInsert(op, against)
	case KindDelete:
		return transformAfterDelete(op, against)
	}
	return op
}

// TransformAll 依次对 history 中的每个操作做变换，history 必须按版本号递增排列。
func TransformAll(op Operation, history []Operation) Operation {
	for _, h := range history {
		op = Transform(op, h)
	}
	return op
}

func transformAfterInsert(op, ins Operation) Operation {
	p, l := ins.Position, ins.Span()
	switch op.Kind {
	case KindInsert:
		if p < op.Position || (p == op.Position && InsertPrecedes(ins, op)) {
			op.Position += l
		}
	case KindDelete:
		rs := op.DeleteRanges()
		out := make([]Range, 0, len(rs)+1)
		for _, r := range rs {
			switch {
			case p <= r.Position:
				// 同一位置上插入优先于删除：删除后移
				out = append(out, Range{Position: r.Position + l, Length: r.Length})
			case p < r.Position+r.Length:
				out = append(out,
					Range{Position: r.Position, Length: p - r.Position},
					Range{Position: p + l, Length: r.Position + r.Length - p})
			default:
				out = append(out, r)
			}
		}
		op = op.withRanges(out)
	case KindRetain:
		switch {
		case p <= op.Position:
			op.Position += l
		case p < op.Position+op.Length:
			op.Length += l
		}
	}
	return op
}

func transformAfterDelete(op, del Operation) Operation {
	switch op.Kind {
	case KindInsert:
		op.Position = mapThroughDelete(op.Position, del)
	case KindDelete:
		rs := op.DeleteRanges()
		out := make([]Range, 0, len(rs))
		for _, r := range rs {
			start := mapThroughDelete(r.Position, del)
			end := mapThroughDelete(r.Position+r.Length, del)
			out = append(out, Range{Position: start, Length: end - start})
		}
		op = op.withRanges(out)
	case KindRetain:
		start := mapThroughDelete(op.Position, del)
		end := mapThroughDelete(op.Position+op.Length, del)
		op.Position, op.Length = start, end-start
	}
	return op
}

// mapThroughDelete 把删除前的位置 x 映射到删除后的坐标：减去 x 之前被删掉的字符数，
// 落在某段内部的位置收缩到那一段的起点。
func mapThroughDelete(x int, del Operation) int {
	shift := 0
	for _, r := range del.DeleteRanges() {
		switch {
		case x >= r.Position+r.Length:
			shift += r.Length
		case x > r.Position:
			shift += x - r.Position
		}
	}
	return x - shift
}

// InsertPrecedes 决定同一位置上的两个插入谁在左边：作者 id 小的在前；
// 作者相同再依次比较 ClientID、Payload；完全相同时 a 在前（两种顺序得到的内容一样）。
// 只依赖操作本身的属性，不依赖到达顺序。
func InsertPrecedes(a, b Operation) bool {
	if a.AuthorID != b.AuthorID {
		return a.AuthorID < b.AuthorID
	}
	if c := strings.Compare(a.ClientID, b.ClientID); c != 0 {
		return c < 0
	}
	return a.Payload <= b.Payload
}
