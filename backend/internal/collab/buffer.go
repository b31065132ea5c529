package collab

import (
	"errors"

	"doccollab/backend/internal/ot/delta"
)

var ErrDeltaOutOfRange = errors.New("delta exceeds buffer length")

// Buffer 文档内容缓冲区。Sequencer 只在持有文档的排序权时调用，所以实现不需要自己加锁。
type Buffer interface {
	// Len 按 rune 计
	Len() int
	Apply(d delta.Delta) error
	String() string
}
