package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"vpnhub/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

type DeviceStore struct{ db *gorm.DB }

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

func (s *DeviceStore) Get(ctx context.Context, id uint) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &d, err
}

// GetOwnedActive — устройство по id, но только своё и живое.
func (s *DeviceStore) GetOwnedActive(ctx context.Context, id uint, username string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).
		Where("id = ? AND username = ? AND active = ?", id, username, true).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &d, err
}

func (s *DeviceStore) ActiveByUsername(ctx context.Context, username string) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).
		Where("username = ? AND active = ?", username, true).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *DeviceStore) CountActive(ctx context.Context, username string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("username = ? AND active = ?", username, true).
		Count(&n).Error
	return n, err
}

// FindActiveByName — активная строка с (username, name); nil — нет такой.
func (s *DeviceStore) FindActiveByName(ctx context.Context, username, name string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).
		Where("username = ? AND name = ? AND active = ?", username, name, true).
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &d, err
}

// FindInactiveByName — неактивные строки с тем же ключом имени
// (кандидаты на чистку перед повторным использованием имени).
func (s *DeviceStore) FindInactiveByName(ctx context.Context, username, name string) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).
		Where("username = ? AND name = ? AND active = ?", username, name, false).
		Find(&out).Error
	return out, err
}

// All — все строки, включая неактивные (нужно reconcile для корреляции).
func (s *DeviceStore) All(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// Deactivate — мягкое удаление.
func (s *DeviceStore) Deactivate(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id IN ?", ids).
		Update("active", false).Error
}

// HardDelete — только для чистки устаревшей неактивной строки,
// когда имя нужно освободить.
func (s *DeviceStore) HardDelete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Unscoped().Delete(&models.Device{}, id).Error
}

func (s *DeviceStore) SetFirewallUUID(ctx context.Context, id uint, peerUUID string) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		Update("firewall_uuid", peerUUID).Error
}

func (s *DeviceStore) ClearFirewallUUID(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		Update("firewall_uuid", nil).Error
}

// SaveConfig — кэш сгенерированного конфига (вне транзакции создания,
// регенерируется лениво при чтении).
func (s *DeviceStore) SaveConfig(ctx context.Context, id uint, cfg string) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		Update("config", cfg).Error
}

// UpdateUsage — снимок handshake/трафика с файрвола.
func (s *DeviceStore) UpdateUsage(ctx context.Context, id uint, u models.DeviceUsage) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		Update("last_used", u.ToJSON()).Error
}
