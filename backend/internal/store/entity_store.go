package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"drillCollab/backend/internal/collab"
	"drillCollab/backend/internal/conflict"
)

// EntityRecord 队形文档中一个实体（成员、段落、道具……）的最新权威状态
type EntityRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_entity,priority:1"`
	EntityType  string `gorm:"type:varchar(32);not null;uniqueIndex:uk_doc_entity,priority:2"`
	EntityID    string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_entity,priority:3"`
	Version     uint64 `gorm:"not null;default:0"`
	Payload     []byte `gorm:"type:json"`
	Deleted     bool   `gorm:"not null;default:false"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
	UpdatedBy   string `gorm:"type:varchar(64)"`
}

func (EntityRecord) TableName() string { return "drill_entities" }

// EntityStore 实体状态存储（gorm）。
// 只保存每个实体的最新版本；版本不比库里新的写入直接忽略。
type EntityStore struct {
	db *gorm.DB
}

func NewEntityStore(db *gorm.DB) *EntityStore {
	return &EntityStore{db: db}
}

func (s *EntityStore) SaveEntity(ctx context.Context, docID string, e collab.EntitySnapshot) error {
	rec, err := toRecord(docID, e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur EntityRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND entity_type = ? AND entity_id = ?", docID, e.EntityType, e.EntityID).
			Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&rec).Error; err != nil {
				if isDuplicate(err) {
					// 并发插入，另一方已经写入；下一次提交会覆盖
					log.Printf("store: concurrent insert of %s/%s in doc %s ignored", e.EntityType, e.EntityID, docID)
					return nil
				}
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Version >= rec.Version {
			return nil
		}
		return tx.Model(&cur).Updates(map[string]any{
			"version":       rec.Version,
			"payload":       rec.Payload,
			"deleted":       rec.Deleted,
			"updated_at_ms": rec.UpdatedAtMs,
			"updated_by":    rec.UpdatedBy,
		}).Error
	})
}

func (s *EntityStore) LoadEntities(ctx context.Context, docID string) ([]collab.EntitySnapshot, error) {
	var recs []EntityRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("entity_type, entity_id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]collab.EntitySnapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func toRecord(docID string, e collab.EntitySnapshot) (EntityRecord, error) {
	rec := EntityRecord{
		DocumentID:  docID,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Version:     e.Version,
		Deleted:     e.Deleted,
		UpdatedAtMs: e.UpdatedAt,
		UpdatedBy:   e.UpdatedBy,
	}
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return EntityRecord{}, fmt.Errorf("marshal payload of %s/%s: %w", e.EntityType, e.EntityID, err)
		}
		rec.Payload = b
	}
	return rec, nil
}

func fromRecord(rec EntityRecord) (collab.EntitySnapshot, error) {
	snap := collab.EntitySnapshot{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Version:    rec.Version,
		Deleted:    rec.Deleted,
		UpdatedAt:  rec.UpdatedAtMs,
		UpdatedBy:  rec.UpdatedBy,
	}
	if len(rec.Payload) > 0 && string(rec.Payload) != "null" {
		var data conflict.Data
		if err := json.Unmarshal(rec.Payload, &data); err != nil {
			return collab.EntitySnapshot{}, fmt.Errorf("unmarshal payload of %s/%s: %w", rec.EntityType, rec.EntityID, err)
		}
		snap.Payload = data
	}
	return snap, nil
}
