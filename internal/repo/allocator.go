package repo

import (
	"errors"
	"net/netip"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnhub/internal/faults"
	"vpnhub/internal/models"
)

// ForUpdate применяет блокировку SELECT ... FOR UPDATE.
// sqlite синтаксис не понимает, там писатели и так сериализованы.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// NextAddress выдаёт следующий свободный адрес в пуле сервера.
// Вызывается строго внутри транзакции провижининга: строка сервера
// читается FOR UPDATE, и блокировка живёт до конца транзакции, так что
// два конкурентных запроса на один сервер не увидят одинаковый
// «последний занятый адрес». Между разными серверами — полная
// конкурентность.
//
// Продвижение адреса — целочисленная арифметика по всем четырём октетам
// (netip.Addr.Next), диапазоны через границу /24 работают.
func NextAddress(tx *gorm.DB, serverID uint) (netip.Addr, error) {
	var zero netip.Addr

	var srv models.Server
	if err := ForUpdate(tx).First(&srv, serverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, faults.Newf(faults.ServerUnavailable, "server %d not found", serverID)
		}
		return zero, faults.Wrap(faults.Internal, "server lock read failed", err)
	}
	if srv.RangeStart == "" || srv.RangeEnd == "" {
		return zero, faults.Newf(faults.RangeNotConfigured, "server %d has no address range", serverID)
	}
	start, err := netip.ParseAddr(srv.RangeStart)
	if err != nil {
		return zero, faults.Newf(faults.RangeNotConfigured, "server %d range start %q invalid", serverID, srv.RangeStart)
	}
	end, err := netip.ParseAddr(srv.RangeEnd)
	if err != nil {
		return zero, faults.Newf(faults.RangeNotConfigured, "server %d range end %q invalid", serverID, srv.RangeEnd)
	}
	if end.Less(start) {
		return zero, faults.Newf(faults.RangeNotConfigured, "server %d range end %s below start %s", serverID, end, start)
	}

	var assigned []string
	if err := tx.Model(&models.Device{}).
		Where("server_id = ? AND active = ?", serverID, true).
		Pluck("assigned_ip", &assigned).Error; err != nil {
		return zero, faults.Wrap(faults.Internal, "assigned address scan failed", err)
	}

	var last netip.Addr
	found := false
	for _, raw := range assigned {
		a, err := netip.ParseAddr(raw)
		if err != nil {
			continue // мусор в колонке не должен валить выдачу
		}
		if !found || last.Less(a) {
			last = a
			found = true
		}
	}
	if !found {
		return start, nil
	}

	next := last.Next()
	if !next.IsValid() || end.Less(next) {
		return zero, faults.Newf(faults.RangeExhausted,
			"server %d pool exhausted (%s-%s)", serverID, start, end)
	}
	if next.Less(start) {
		// занятый адрес ниже начала пула — данные битые
		return zero, faults.Newf(faults.AddressOutOfRange,
			"computed %s below range start %s on server %d", next, start, serverID)
	}
	return next, nil
}
