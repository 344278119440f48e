package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"drillCollab/backend/internal/collab"
)

// ChangeRecord 变更日志表结构（只用于 AutoMigrate 建表，读写走原生 SQL）
type ChangeRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    string    `gorm:"type:char(36);not null;uniqueIndex:uk_event"`
	DocumentID string    `gorm:"type:varchar(64);not null;index:idx_doc_ts,priority:1"`
	EntityType string    `gorm:"type:varchar(32);not null"`
	EntityID   string    `gorm:"type:varchar(64);not null"`
	Version    uint64    `gorm:"not null"`
	EventType  string    `gorm:"type:varchar(32);not null"`
	UserID     string    `gorm:"type:varchar(64);not null"`
	Payload    []byte    `gorm:"type:json"`
	ServerTs   int64     `gorm:"not null;index:idx_doc_ts,priority:2"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (ChangeRecord) TableName() string { return "drill_change_log" }

// ChangeLog 追加写的实体变更日志，按 event_id 幂等
type ChangeLog struct{ db *sql.DB }

func NewChangeLog(db *sql.DB) *ChangeLog {
	return &ChangeLog{db: db}
}

func (l *ChangeLog) Append(ctx context.Context, evt collab.ChangeEvent) error {
	var payload []byte
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO drill_change_log (event_id, document_id, entity_type, entity_id, version, event_type, user_id, payload, server_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())`,
		evt.ID,
		evt.DocumentID,
		evt.EntityType,
		evt.EntityID,
		evt.Version,
		evt.Type,
		evt.UserID,
		payload,
		evt.ServerTimestamp,
	)
	if err != nil {
		if isDuplicate(err) {
			// 同一个事件重复写入，视为成功
			return nil
		}
		return err
	}
	return nil
}

// Since 读取某文档服务端时间戳大于 afterTs（unix 毫秒）的变更，按写入顺序返回
func (l *ChangeLog) Since(ctx context.Context, docID string, afterTs int64, limit int) ([]collab.ChangeEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, document_id, entity_type, entity_id, version, event_type, user_id, payload, server_ts
		FROM drill_change_log WHERE document_id = ? AND server_ts > ? ORDER BY id LIMIT ?`,
		docID,
		afterTs,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.ChangeEvent
	for rows.Next() {
		var evt collab.ChangeEvent
		var payload []byte
		if err := rows.Scan(&evt.ID, &evt.DocumentID, &evt.EntityType, &evt.EntityID, &evt.Version, &evt.Type, &evt.UserID, &payload, &evt.ServerTimestamp); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
