package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vpnhub/internal/faults"
	"vpnhub/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	// отдельная именованная in-memory база на тест, иначе пул соединений
	// gorm раздаёт каждому соединению свою пустую память
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Device{}, &models.Server{}, &models.Account{},
		&models.Sequence{}, &models.JobLock{},
	))
	return db
}

func makeServer(t *testing.T, db *gorm.DB, start, end string) *models.Server {
	t.Helper()
	srv := &models.Server{
		Name:       "NL-" + uuid.NewString()[:8],
		Country:    "NL",
		SubnetCIDR: "10.0.0.0/24",
		RangeStart: start,
		RangeEnd:   end,
		PublicKey:  "SRVPUB",
		Endpoint:   "vpn.example.org:51820",
		Status:     models.ServerStatusActive,
	}
	require.NoError(t, db.Create(srv).Error)
	return srv
}

func addDevice(t *testing.T, db *gorm.DB, srv *models.Server, username, name, ip string, active bool) *models.Device {
	t.Helper()
	d := &models.Device{
		Username: username, Name: name, ServerID: srv.ID,
		PrivateKey: "p", PublicKey: "P-" + ip, AssignedIP: ip, Active: active,
	}
	require.NoError(t, db.Create(d).Error)
	return d
}

func allocate(t *testing.T, db *gorm.DB, serverID uint) (string, error) {
	t.Helper()
	var ip string
	err := db.Transaction(func(tx *gorm.DB) error {
		a, err := NextAddress(tx, serverID)
		if err != nil {
			return err
		}
		ip = a.String()
		return nil
	})
	return ip, err
}

func TestNextAddressFirstIsRangeStart(t *testing.T) {
	db := testDB(t)
	srv := makeServer(t, db, "10.0.0.2", "10.0.0.10")

	ip, err := allocate(t, db, srv.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", ip)
}

func TestNextAddressSequential(t *testing.T) {
	db := testDB(t)
	srv := makeServer(t, db, "10.0.0.2", "10.0.0.10")

	addDevice(t, db, srv, "alice", "laptop", "10.0.0.2", true)
	ip, err := allocate(t, db, srv.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", ip)

	addDevice(t, db, srv, "bob", "phone", "10.0.0.3", true)
	ip, err = allocate(t, db, srv.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.4", ip)
}

func TestNextAddressIgnoresInactive(t *testing.T) {
	db := testDB(t)
	srv := makeServer(t, db, "10.0.0.2", "10.0.0.10")

	addDevice(t, db, srv, "alice", "old", "10.0.0.9", false)
	ip, err := allocate(t, db, srv.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", ip)
}

func TestNextAddressExhausted(t *testing.T) {
	db := testDB(t)
	srv := makeServer(t, db, "10.0.0.2", "10.0.0.3")

	addDevice(t, db, srv, "a", "d1", "10.0.0.2", true)
	addDevice(t, db, srv, "b", "d2", "10.0.0.3", true)

	_, err := allocate(t, db, srv.ID)
	require.True(t, faults.IsKind(err, faults.RangeExhausted))
}

func TestNextAddressCrossesOctetBoundary(t *testing.T) {
	db := testDB(t)
	srv := makeServer(t, db, "10.0.0.250", "10.0.1.5")

	addDevice(t, db, srv, "a", "d1", "10.0.0.255", true)
	ip, err := allocate(t, db, srv.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.1.0", ip)
}

func TestNextAddressBelowStart(t *testing.T) {
	db := testDB(t)
	srv := makeServer(t, db, "10.0.0.100", "10.0.0.110")

	// битые данные: занятый адрес ниже начала пула
	addDevice(t, db, srv, "a", "d1", "10.0.0.5", true)
	_, err := allocate(t, db, srv.ID)
	require.True(t, faults.IsKind(err, faults.AddressOutOfRange))
}

func TestNextAddressRangeNotConfigured(t *testing.T) {
	db := testDB(t)
	srv := &models.Server{Name: "bare", Country: "DE", Status: models.ServerStatusActive}
	require.NoError(t, db.Create(srv).Error)

	_, err := allocate(t, db, srv.ID)
	require.True(t, faults.IsKind(err, faults.RangeNotConfigured))
}

func TestDeviceStoreSoftDeleteAndNameKey(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	srv := makeServer(t, db, "10.0.0.2", "10.0.0.10")
	ds := NewDeviceStore(db)

	d := addDevice(t, db, srv, "alice", "laptop", "10.0.0.2", true)

	got, err := ds.FindActiveByName(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, d.ID, got.ID)

	require.NoError(t, ds.Deactivate(ctx, d.ID))

	got, err = ds.FindActiveByName(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.Nil(t, got)

	stale, err := ds.FindInactiveByName(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, ds.HardDelete(ctx, d.ID))
	stale, err = ds.FindInactiveByName(ctx, "alice", "laptop")
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestDeviceStoreFirewallUUID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	srv := makeServer(t, db, "10.0.0.2", "10.0.0.10")
	ds := NewDeviceStore(db)

	d := addDevice(t, db, srv, "alice", "laptop", "10.0.0.2", true)
	require.NoError(t, ds.SetFirewallUUID(ctx, d.ID, "fw-1"))

	got, err := ds.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FirewallUUID)
	require.Equal(t, "fw-1", *got.FirewallUUID)

	require.NoError(t, ds.ClearFirewallUUID(ctx, d.ID))
	got, err = ds.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Nil(t, got.FirewallUUID)
}

func TestSequenceStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seqs := NewSequenceStore(db)

	for i := uint64(1); i <= 3; i++ {
		n, err := seqs.Next(ctx, "server_cc_NL")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	// независимый счётчик
	n, err := seqs.Next(ctx, "server_cc_DE")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestServerRegisterAssignsCountryName(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	ss := NewServerStore(db)

	a := &models.Server{Country: "nl", SubnetCIDR: "10.0.0.0/24"}
	require.NoError(t, ss.Register(ctx, a))
	require.Equal(t, "NL-1", a.Name)
	require.Equal(t, models.ServerStatusActive, a.Status)

	b := &models.Server{Country: "NL", SubnetCIDR: "10.0.1.0/24"}
	require.NoError(t, ss.Register(ctx, b))
	require.Equal(t, "NL-2", b.Name)
}

func TestLockStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	locks := NewLockStore(db)

	ok, err := locks.TryAcquire(ctx, "reconcile", "inst-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// другой владелец не проходит, пока лок жив
	ok, err = locks.TryAcquire(ctx, "reconcile", "inst-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// свой повторный захват продлевает
	ok, err = locks.TryAcquire(ctx, "reconcile", "inst-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locks.Release(ctx, "reconcile", "inst-a"))
	ok, err = locks.TryAcquire(ctx, "reconcile", "inst-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockStoreExpiredTakeover(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	locks := NewLockStore(db)

	ok, err := locks.TryAcquire(ctx, "reconcile", "dead", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.TryAcquire(ctx, "reconcile", "alive", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be claimable")
}

func TestLockStoreLosingInsertIsNotAnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// двое стартуют на пустой таблице: FOR UPDATE не блокирует
	// отсутствующую строку, проигравший insert упирается в уникальность
	// name и обязан вернуть (false, nil), а не ошибку дубликата
	a, b := NewLockStore(db), NewLockStore(db)
	ok, err := a.TryAcquire(ctx, "reconcile", "inst-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx, "reconcile", "inst-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	var l models.JobLock
	require.NoError(t, db.First(&l, "name = ?", "reconcile").Error)
	require.Equal(t, "inst-a", l.Owner, "losing acquire must not overwrite the winner")
}
