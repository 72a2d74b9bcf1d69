package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"vpnhub/internal/logs"
	"vpnhub/internal/models"
	"vpnhub/internal/opnsense"
	"vpnhub/internal/repo"
)

const lockName = "reconcile"

// Firewall — контракт файрвола для reconcile.
type Firewall interface {
	AddPeer(ctx context.Context, name, publicKey, address, psk string) (string, error)
	RemovePeer(ctx context.Context, peerUUID string) error
	ListPeers(ctx context.Context) []opnsense.Peer
	ListActivePeers(ctx context.Context) ([]opnsense.PeerActivity, error)
	HealthCheck(ctx context.Context) opnsense.Health
}

// Stats — что проход исправил.
type Stats struct {
	CreatedPeers int // БД→файрвол: пиров досоздано
	RemovedPeers int // файрвол→БД: сирот удалено
	Relinked     int // uuid в строках поправлено
	Skipped      bool
	Failures     int
}

func (s *Stats) Actions() int { return s.CreatedPeers + s.RemovedPeers + s.Relinked }

// Job — рекуррентная сверка двух независимо мутируемых хранилищ.
// БД авторитетна в том, какие устройства должны существовать вообще;
// файрвол — в том, какие пиры реально существуют сейчас. Проход тянет
// оба множества к согласию с двух сторон.
type Job struct {
	devices *repo.DeviceStore
	locks   *repo.LockStore
	fw      Firewall
	owner   string
	lockTTL time.Duration
}

func NewJob(devices *repo.DeviceStore, locks *repo.LockStore, fw Firewall, lockTTL time.Duration) *Job {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Job{
		devices: devices,
		locks:   locks,
		fw:      fw,
		owner:   uuid.NewString(),
		lockTTL: lockTTL,
	}
}

// Run — один проход. Отказ на отдельном элементе логируется и не
// прерывает остальные: проход обязан делать best-effort глобальный
// прогресс.
func (j *Job) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	ok, err := j.locks.TryAcquire(ctx, lockName, j.owner, j.lockTTL)
	if err != nil {
		return stats, err
	}
	if !ok {
		logs.Logger.Info("reconcile: another instance holds the lock, skipping pass")
		stats.Skipped = true
		return stats, nil
	}
	defer func() {
		if err := j.locks.Release(context.WithoutCancel(ctx), lockName, j.owner); err != nil {
			logs.Logger.Warnf("reconcile: lock release failed: %v", err)
		}
	}()

	// недоступный файрвол выглядит как пустой список пиров; сверка по
	// такому снимку устроила бы массовый пересоздавательный шторм —
	// лучше пропустить проход
	if h := j.fw.HealthCheck(ctx); !h.Healthy {
		logs.Logger.Warnf("reconcile: firewall unhealthy, skipping pass: %s", h.Detail)
		stats.Skipped = true
		return stats, nil
	}

	rows, err := j.devices.All(ctx)
	if err != nil {
		return stats, err
	}
	peers := j.fw.ListPeers(ctx)

	peerByUUID := make(map[string]*opnsense.Peer, len(peers))
	peerByName := make(map[string]*opnsense.Peer, len(peers))
	for i := range peers {
		peerByUUID[peers[i].UUID] = &peers[i]
		peerByName[peers[i].Name] = &peers[i]
	}

	var merr *multierror.Error

	// активные строки, сопоставленные пирам — для обратного направления
	claimed := make(map[string]*models.Device, len(rows))

	// БД → файрвол: каждой активной строке — живой пир
	for i := range rows {
		row := &rows[i]
		if !row.Active {
			continue
		}
		p := correlate(row, peerByUUID, peerByName)
		if p == nil {
			peerUUID, err := j.fw.AddPeer(ctx, row.PeerName(), row.PublicKey, row.AssignedIP, row.PresharedKey)
			if err != nil {
				stats.Failures++
				merr = multierror.Append(merr, err)
				logs.Logger.Warnf("reconcile: peer create for device %d failed: %v", row.ID, err)
				continue
			}
			if err := j.devices.SetFirewallUUID(ctx, row.ID, peerUUID); err != nil {
				stats.Failures++
				merr = multierror.Append(merr, err)
				continue
			}
			claimed[peerUUID] = row
			stats.CreatedPeers++
			logs.Logger.Infof("reconcile: recreated peer %s for device %d (%s)", peerUUID, row.ID, row.PeerName())
			continue
		}
		claimed[p.UUID] = row
		if row.FirewallUUID == nil || *row.FirewallUUID != p.UUID {
			if err := j.devices.SetFirewallUUID(ctx, row.ID, p.UUID); err != nil {
				stats.Failures++
				merr = multierror.Append(merr, err)
				continue
			}
			stats.Relinked++
			logs.Logger.Infof("reconcile: relinked device %d to peer %s", row.ID, p.UUID)
		}
	}

	// файрвол → БД: пир без активной строки — сирота, удаляем
	inactiveByUUID := make(map[string]*models.Device)
	for i := range rows {
		if !rows[i].Active && rows[i].FirewallUUID != nil {
			inactiveByUUID[*rows[i].FirewallUUID] = &rows[i]
		}
	}
	for i := range peers {
		p := &peers[i]
		if _, ok := claimed[p.UUID]; ok {
			continue
		}
		if err := j.fw.RemovePeer(ctx, p.UUID); err != nil {
			stats.Failures++
			merr = multierror.Append(merr, err)
			logs.Logger.Warnf("reconcile: orphan peer %s removal failed: %v", p.UUID, err)
			continue
		}
		stats.RemovedPeers++
		logs.Logger.Infof("reconcile: removed orphan peer %s (%s)", p.UUID, p.Name)
		// пир принадлежал мягко удалённой строке — поправим ссылку
		if row, ok := inactiveByUUID[p.UUID]; ok {
			if err := j.devices.ClearFirewallUUID(ctx, row.ID); err != nil {
				stats.Failures++
				merr = multierror.Append(merr, err)
			}
		}
	}

	j.refreshUsage(ctx, rows)

	return stats, merr.ErrorOrNil()
}

// correlate ищет пира строки: сперва по uuid, затем по составному имени.
func correlate(row *models.Device, byUUID, byName map[string]*opnsense.Peer) *opnsense.Peer {
	if row.FirewallUUID != nil {
		if p, ok := byUUID[*row.FirewallUUID]; ok {
			return p
		}
	}
	return byName[row.PeerName()]
}

// refreshUsage — снимок handshake/трафика в Device.LastUsed.
// Только отображение, на авторитетный стейт не влияет.
func (j *Job) refreshUsage(ctx context.Context, rows []models.Device) {
	acts, err := j.fw.ListActivePeers(ctx)
	if err != nil {
		logs.Logger.Warnf("reconcile: activity snapshot failed (ignored): %v", err)
		return
	}
	byKey := make(map[string]*opnsense.PeerActivity, len(acts))
	for i := range acts {
		byKey[acts[i].PublicKey] = &acts[i]
	}
	now := time.Now().UTC()
	for i := range rows {
		if !rows[i].Active {
			continue
		}
		a, ok := byKey[rows[i].PublicKey]
		if !ok {
			continue
		}
		u := models.DeviceUsage{
			TransferRx: a.TransferRx,
			TransferTx: a.TransferTx,
			Active:     a.Active,
			UpdatedAt:  now,
		}
		if !a.LastHandshakeAt.IsZero() {
			hs := a.LastHandshakeAt
			u.LastHandshakeAt = &hs
		}
		if err := j.devices.UpdateUsage(ctx, rows[i].ID, u); err != nil {
			logs.Logger.Warnf("reconcile: usage update for device %d failed (ignored): %v", rows[i].ID, err)
		}
	}
}

// RunLoop — запуск при старте процесса (дождавшись файрвола) и далее
// по фиксированному расписанию, до отмены контекста.
func (j *Job) RunLoop(ctx context.Context, interval time.Duration, runOnStart bool) {
	if runOnStart {
		if err := j.waitForFirewall(ctx); err != nil {
			logs.Logger.Warnf("reconcile: firewall did not become reachable: %v", err)
		}
		j.runLogged(ctx)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	start := time.Now()
	stats, err := j.Run(ctx)
	if err != nil {
		logs.Logger.Errorf("reconcile: pass finished with errors in %s: created=%d removed=%d relinked=%d failures=%d: %v",
			time.Since(start), stats.CreatedPeers, stats.RemovedPeers, stats.Relinked, stats.Failures, err)
		return
	}
	logs.Logger.Infof("reconcile: pass done in %s: created=%d removed=%d relinked=%d skipped=%v",
		time.Since(start), stats.CreatedPeers, stats.RemovedPeers, stats.Relinked, stats.Skipped)
}

// waitForFirewall — экспоненциальный backoff до первого здорового ответа.
func (j *Job) waitForFirewall(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(func() error {
		if h := j.fw.HealthCheck(ctx); !h.Healthy {
			return errors.New(h.Detail)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}
