package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"vpnhub/internal/models"
)

// SequenceStore — персистентные именованные счётчики (замена счётчикам
// в памяти процесса).
type SequenceStore struct{ db *gorm.DB }

func NewSequenceStore(db *gorm.DB) *SequenceStore { return &SequenceStore{db: db} }

// Next атомарно выдаёт следующее значение счётчика name.
func (s *SequenceStore) Next(ctx context.Context, name string) (uint64, error) {
	var out uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.Sequence
		err := ForUpdate(tx).Where("name = ?", name).First(&seq).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			seq = models.Sequence{Name: name}
		case err != nil:
			return err
		}
		seq.Value++
		out = seq.Value
		return tx.Save(&seq).Error
	})
	return out, err
}
