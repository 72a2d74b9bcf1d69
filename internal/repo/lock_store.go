package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnhub/internal/models"
)

// LockStore — именованные mutex-ряды для фоновых задач.
// Reconcile берёт такой лок перед проходом, чтобы два инстанса (или
// ручной запуск поверх планового) не гоняли проход одновременно.
type LockStore struct{ db *gorm.DB }

func NewLockStore(db *gorm.DB) *LockStore { return &LockStore{db: db} }

// TryAcquire пытается взять лок name на ttl. Просроченный лок можно
// перехватить: упавший владелец не держит его вечно.
func (s *LockStore) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		l := models.JobLock{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
		// вставка с ON CONFLICT DO NOTHING: FOR UPDATE не блокирует
		// отсутствующую строку, двое могут стартовать на пустой таблице —
		// проигравший получает 0 строк, а не ошибку дубликата
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&l)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			acquired = true
			return nil
		}
		if err := ForUpdate(tx).Where("name = ?", name).First(&l).Error; err != nil {
			return err
		}
		if l.Owner != owner && l.ExpiresAt.After(now) {
			return nil // держит другой живой владелец
		}
		l.Owner = owner
		l.ExpiresAt = now.Add(ttl)
		if err := tx.Save(&l).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// Release отпускает лок, если он всё ещё наш.
func (s *LockStore) Release(ctx context.Context, name, owner string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&models.JobLock{}).Error
}
