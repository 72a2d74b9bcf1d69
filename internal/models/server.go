package models

import "time"

const (
	ServerStatusActive      = "active"
	ServerStatusDisabled    = "disabled"
	ServerStatusMaintenance = "maintenance"
)

// Server — конечная точка VPN (файрвол с WireGuard-интерфейсом).
// RangeStart/RangeEnd задают пул клиентских адресов; без них
// провижининг на этот сервер невозможен. SubnetCIDR обязан совпадать
// с тем, что реально настроено на файрволе (проверяется перед выдачей).
type Server struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string `gorm:"uniqueIndex;size:64;not null" json:"name"`
	Country    string `gorm:"size:2;index" json:"country"`
	Location   string `gorm:"size:255" json:"location"`
	SubnetCIDR string `gorm:"size:45" json:"subnet_cidr"`
	RangeStart string `gorm:"size:45" json:"range_start"`
	RangeEnd   string `gorm:"size:45" json:"range_end"`
	PublicKey  string `gorm:"size:64" json:"public_key"`
	Endpoint   string `gorm:"size:255" json:"endpoint"` // "host:port"
	Status     string `gorm:"size:32;index;default:active" json:"status"`
}

func (s *Server) Operational() bool { return s.Status == ServerStatusActive }

// Misconfigured — true, если сервер нельзя использовать для выдачи
// адресов (не заполнен пул или подсеть, нечего вписать в конфиг клиента).
func (s *Server) Misconfigured() bool {
	return s.RangeStart == "" || s.RangeEnd == "" || s.SubnetCIDR == "" ||
		s.PublicKey == "" || s.Endpoint == ""
}
