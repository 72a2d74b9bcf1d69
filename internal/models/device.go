package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Device — один выданный WireGuard-пир, принадлежит одному пользователю.
// Строка удаляется мягко (active=false); жёсткое удаление — только при
// чистке устаревшей неактивной строки перед повторным использованием имени.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username     string  `gorm:"index;size:255;not null" json:"username"`
	Name         string  `gorm:"size:255;not null" json:"name"`
	ServerID     uint    `gorm:"index;not null" json:"server_id"`
	PrivateKey   string  `gorm:"size:64;not null" json:"-"`
	PublicKey    string  `gorm:"size:64;not null" json:"public_key"`
	PresharedKey string  `gorm:"size:64" json:"-"`
	AssignedIP   string  `gorm:"size:45;not null" json:"assigned_ip"`
	FirewallUUID *string `gorm:"index;size:64" json:"firewall_uuid,omitempty"`
	Active       bool    `gorm:"index;not null;default:true" json:"active"`

	// Кэш сгенерированного конфига; регенерируется лениво при чтении.
	Config string `gorm:"type:text" json:"-"`

	// Снимок с файрвола (handshake/трафик), только для отображения.
	LastUsed datatypes.JSON `json:"last_used,omitempty"`
}

// PeerName — составной ключ корреляции с пиром на файрволе.
func (d *Device) PeerName() string { return d.Username + "-" + d.Name }

// DeviceUsage — содержимое Device.LastUsed.
type DeviceUsage struct {
	LastHandshakeAt *time.Time `json:"last_handshake_at,omitempty"`
	TransferRx      uint64     `json:"transfer_rx"`
	TransferTx      uint64     `json:"transfer_tx"`
	Active          bool       `json:"active"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (u DeviceUsage) ToJSON() datatypes.JSON {
	b, _ := json.Marshal(u)
	return datatypes.JSON(b)
}
