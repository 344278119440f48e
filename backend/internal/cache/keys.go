package cache

import "fmt"

// 键语义：
// - roomKey(docID):   正在编辑该队形文档的成员（ZSet<userId, expireAtUnixMilli>，score=expireAt）
// - namesKey(docID):  userId→username（Hash）
// - docsKey():        当前有人在编辑的文档集合（Set<docID>）
//
// {docID:...} 作为 hash tag，保证同一文档的 room/names 落在同一个 cluster slot，lua 脚本才能同时操作两个 key

const (
	keyRoomFmt  = "drill:editors:{docID:%s}"
	keyNamesFmt = "drill:editors:names:{docID:%s}"
	keyDocsSet  = "drill:editing_docs"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func docsKey() string              { return keyDocsSet }
