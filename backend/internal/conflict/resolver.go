// Package conflict 决定同一实体两个竞争版本谁胜出。
//
// 这里全部是纯函数：没有 I/O、没有随机数、没有隐藏状态，同样的输入永远得到同样的输出，
// 方便回放和测试。时间戳是客户端/服务端的墙钟毫秒数，不是逻辑时钟，存在时钟漂移的风险，
// last_write_wins 只是尽力而为的启发式。
package conflict

import (
	"fmt"
)

type Strategy string

const (
	LastWriteWins Strategy = "last_write_wins"
	Merge         Strategy = "merge"
	Reject        Strategy = "reject"
)

const (
	// RecordVersionMismatch 目前唯一的冲突类型
	RecordVersionMismatch = "version_mismatch"

	// PositionField 带位置的实体（队形成员）把坐标放在这个字段里
	PositionField = "position"
)

// positionEntities 合并策略下按字段合并的实体类型，其余类型退化为 last_write_wins
var positionEntities = map[string]bool{
	"member": true,
}

// Data 实体的负载（JSON 对象）
type Data map[string]any

type Record struct {
	Type            string `json:"type"`
	EntityType      string `json:"entityType"`
	EntityID        string `json:"entityId"`
	LocalVersion    uint64 `json:"localVersion"`
	RemoteVersion   uint64 `json:"remoteVersion"`
	LocalTimestamp  int64  `json:"localTimestamp"`
	RemoteTimestamp int64  `json:"remoteTimestamp"`
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LastWriteWins, Merge, Reject:
		return Strategy(s), nil
	case "":
		return LastWriteWins, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// IsPositional 该实体类型是否携带位置字段
func IsPositional(entityType string) bool {
	return positionEntities[entityType]
}

// Detect 版本不一致即冲突；一致返回 nil
func Detect(entityType, entityID string, localVersion, remoteVersion uint64, localTs, remoteTs int64) *Record {
	if localVersion == remoteVersion {
		return nil
	}
	return &Record{
		Type:            RecordVersionMismatch,
		EntityType:      entityType,
		EntityID:        entityID,
		LocalVersion:    localVersion,
		RemoteVersion:   remoteVersion,
		LocalTimestamp:  localTs,
		RemoteTimestamp: remoteTs,
	}
}

// Resolve 按策略合并，返回值是新的副本，不会修改 local/remote。
// 未知策略按 last_write_wins 处理，保证解决过程永远不会失败。
func Resolve(rec Record, local, remote Data, strategy Strategy) Data {
	switch strategy {
	case Reject:
		return Clone(local)
	case Merge:
		if IsPositional(rec.EntityType) {
			return mergePosition(rec, local, remote)
		}
		return lastWriteWins(rec, local, remote)
	default:
		return lastWriteWins(rec, local, remote)
	}
}

// 时间戳相等时保留本地，保证幂等
func lastWriteWins(rec Record, local, remote Data) Data {
	if rec.RemoteTimestamp > rec.LocalTimestamp {
		return Clone(remote)
	}
	return Clone(local)
}

// 非位置字段一律取本地；位置取时间戳较新的一方（相等取本地）
func mergePosition(rec Record, local, remote Data) Data {
	out := Clone(local)
	if out == nil {
		out = Data{}
	}
	if rec.RemoteTimestamp <= rec.LocalTimestamp {
		return out
	}
	pos, ok := remote[PositionField]
	if !ok {
		return out
	}
	out[PositionField] = cloneValue(pos)
	return out
}

// Clone 深拷贝（只处理 JSON 解码会产生的类型）
func Clone(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Data:
		return Clone(x)
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
