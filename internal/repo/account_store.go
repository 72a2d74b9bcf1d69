package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"vpnhub/internal/models"
)

type AccountStore struct{ db *gorm.DB }

func NewAccountStore(db *gorm.DB) *AccountStore { return &AccountStore{db: db} }

// Get — состояние подписки пользователя; nil, nil — записи нет
// (пользователь без подписки).
func (s *AccountStore) Get(ctx context.Context, username string) (*models.Account, error) {
	var a models.Account
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &a, err
}

// Upsert — обновление зеркала биллинга (приходит снаружи).
func (s *AccountStore) Upsert(ctx context.Context, acc *models.Account) error {
	var existing models.Account
	err := s.db.WithContext(ctx).Where("username = ?", acc.Username).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(acc).Error
	}
	if err != nil {
		return err
	}
	acc.ID = existing.ID
	return s.db.WithContext(ctx).Save(acc).Error
}
