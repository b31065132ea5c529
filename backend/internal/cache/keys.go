package cache

import (
	"fmt"
	"strconv"
)

// 键语义：
// - roomKey(docID):      房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):     房间内 userId→username 映射（Hash）
// - cursorKey(docID,u):  某个用户最近一次光标（String，JSON，带 TTL）
// - aclKey(docID,u):     访问控制判定缓存（String，1 允许 / -1 拒绝）
//
// {} 内是 hash tag，同一文档的键落在同一个 slot，Lua 脚本在集群模式下也能跨键执行。

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<userId -> username>
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyACLFmt    = "acl:{docID:%s}:%s"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }

func cursorKey(docID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, docID, strconv.FormatUint(userID, 10))
}

func aclKey(docID string, userID uint64) string {
	return fmt.Sprintf(keyACLFmt, docID, strconv.FormatUint(userID, 10))
}
