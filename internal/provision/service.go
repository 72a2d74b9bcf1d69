package provision

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"vpnhub/internal/faults"
	"vpnhub/internal/logs"
	"vpnhub/internal/models"
	"vpnhub/internal/opnsense"
	"vpnhub/internal/repo"
	"vpnhub/internal/vpn/wireguard"
)

// Firewall — минимальный контракт файрвола, который нужен провижинингу.
type Firewall interface {
	AddPeer(ctx context.Context, name, publicKey, address, psk string) (string, error)
	RemovePeer(ctx context.Context, peerUUID string) error
	ListPeers(ctx context.Context) []opnsense.Peer
	VerifySubnetMatch(ctx context.Context, expected string) error
	HealthCheck(ctx context.Context) opnsense.Health
}

// Options — политики провижининга из конфига.
type Options struct {
	DefaultDeviceLimit int    // лимит устройств, если у аккаунта не задан
	Keepalive          int    // PersistentKeepalive клиента
	DNS                string // DNS в клиентском конфиге, пусто — не пишем
	AllowedIPs         string // что заворачивать в туннель
}

func (o *Options) fillDefaults() {
	if o.DefaultDeviceLimit <= 0 {
		o.DefaultDeviceLimit = 2
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 25
	}
	if o.AllowedIPs == "" {
		o.AllowedIPs = "0.0.0.0/0"
	}
}

// Service — оркестратор создания/удаления устройств. Единственное место,
// где БД и файрвол мутируются вместе; все ошибки ядра выходят отсюда
// как faults.Error.
type Service struct {
	db       *gorm.DB
	devices  *repo.DeviceStore
	servers  *repo.ServerStore
	accounts *repo.AccountStore
	fw       Firewall
	opts     Options

	genKeys func() (*wireguard.KeyMaterial, error) // подменяется в тестах
	now     func() time.Time
}

func NewService(db *gorm.DB, devices *repo.DeviceStore, servers *repo.ServerStore,
	accounts *repo.AccountStore, fw Firewall, opts Options) *Service {
	opts.fillDefaults()
	return &Service{
		db:       db,
		devices:  devices,
		servers:  servers,
		accounts: accounts,
		fw:       fw,
		opts:     opts,
		genKeys:  wireguard.Generate,
		now:      time.Now,
	}
}

type CreateInput struct {
	Username   string
	DeviceName string
	ServerID   uint
}

type ServerInfo struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Country  string `json:"country"`
	Location string `json:"location"`
	Endpoint string `json:"endpoint"`
}

type CreateResult struct {
	ID         uint       `json:"id"`
	DeviceName string     `json:"device_name"`
	Server     ServerInfo `json:"server"`
	AssignedIP string     `json:"assigned_ip"`
	PublicKey  string     `json:"public_key"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateDevice — стадии строго по порядку, отказ любой стадии обрывает
// все последующие:
//
//	1. право подписки; 2. предварительная синхронизация с файрволом;
//	3. коллизия имени (+чистка устаревшей строки); 4. лимит устройств;
//	5. валидация сервера; 6. сверка подсети; 7. транзакция: ключи →
//	адрес под блокировкой → повторная сверка имени → insert → addPeer
//	(отказ файрвола откатывает всё) → привязка uuid → commit;
//	8. кэш конфига (вне транзакции).
//
// Откат на отказе файрвола в стадии 7 — главный инвариант подсистемы:
// строка устройства не должна пережить провал создания пира, иначе
// появляются «призраки», которые занимают лимит, но не гоняют трафик.
func (s *Service) CreateDevice(ctx context.Context, in CreateInput) (*CreateResult, error) {
	// 1. право подписки
	acc, err := s.accounts.Get(ctx, in.Username)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "subscription lookup failed", err)
	}
	now := s.now()
	switch {
	case acc == nil || acc.Status == "" || acc.Status == models.SubscriptionNone:
		return nil, faults.Newf(faults.SubscriptionRequired, "user %s has no subscription", in.Username)
	case acc.Status == models.SubscriptionExpired,
		acc.ExpiresAt != nil && !acc.ExpiresAt.After(now):
		return nil, faults.Newf(faults.SubscriptionExpired, "subscription of %s has expired", in.Username)
	case !acc.Entitled(now):
		return nil, faults.Newf(faults.SubscriptionRequired, "subscription of %s is not active", in.Username)
	}

	// 2. предварительная синхронизация: файрвол — ground truth того,
	// какие пиры реально существуют
	if err := s.preSync(ctx, in.Username); err != nil {
		return nil, err
	}

	// 3. коллизия имени среди активных; устаревшие неактивные строки с
	// тем же именем вычищаются, чтобы имя можно было переиспользовать
	if dup, err := s.devices.FindActiveByName(ctx, in.Username, in.DeviceName); err != nil {
		return nil, faults.Wrap(faults.Internal, "device name lookup failed", err)
	} else if dup != nil {
		return nil, faults.Newf(faults.DuplicateDeviceName, "device %q already exists", in.DeviceName)
	}
	stale, err := s.devices.FindInactiveByName(ctx, in.Username, in.DeviceName)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "stale device lookup failed", err)
	}
	for i := range stale {
		if u := stale[i].FirewallUUID; u != nil {
			// best-effort: отказ не блокирует переиспользование имени
			if err := s.fw.RemovePeer(ctx, *u); err != nil {
				logs.Logger.Warnf("provision: stale peer %s removal failed (ignored): %v", *u, err)
			}
		}
		if err := s.devices.HardDelete(ctx, stale[i].ID); err != nil {
			return nil, faults.Wrap(faults.Internal, "stale device cleanup failed", err)
		}
	}

	// 4. лимит устройств
	limit := s.opts.DefaultDeviceLimit
	if acc.DeviceLimit > 0 {
		limit = acc.DeviceLimit
	}
	count, err := s.devices.CountActive(ctx, in.Username)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "device count failed", err)
	}
	if count >= int64(limit) {
		return nil, faults.Newf(faults.DeviceLimitReached, "device limit %d reached", limit)
	}

	// 5. сервер
	srv, err := s.servers.Get(ctx, in.ServerID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, faults.Newf(faults.ServerUnavailable, "server %d does not exist", in.ServerID)
		}
		return nil, faults.Wrap(faults.Internal, "server lookup failed", err)
	}
	if !srv.Operational() {
		return nil, faults.Newf(faults.ServerUnavailable, "server %s is %s", srv.Name, srv.Status)
	}
	if srv.Misconfigured() {
		return nil, faults.Newf(faults.ServerMisconfigured,
			"server %s is missing range/subnet/key/endpoint configuration", srv.Name)
	}

	// 6. сверка подсети с живым файрволом
	if err := s.fw.VerifySubnetMatch(ctx, srv.SubnetCIDR); err != nil {
		return nil, faults.Wrap(faults.SubnetConfigMismatch,
			"firewall subnet disagrees with server record", err)
	}

	// 7. транзакция создания
	var dev models.Device
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keys, err := s.genKeys()
		if err != nil {
			return err
		}
		addr, err := repo.NextAddress(tx, srv.ID)
		if err != nil {
			return err
		}
		// гонка двух одноимённых create: проверка стадии 3 шла вне
		// транзакции, повторяем её под блокировкой строки сервера
		var dup int64
		if err := tx.Model(&models.Device{}).
			Where("username = ? AND name = ? AND active = ?", in.Username, in.DeviceName, true).
			Count(&dup).Error; err != nil {
			return faults.Wrap(faults.Internal, "device name recheck failed", err)
		}
		if dup > 0 {
			return faults.Newf(faults.DuplicateDeviceName, "device %q already exists", in.DeviceName)
		}
		dev = models.Device{
			Username:     in.Username,
			Name:         in.DeviceName,
			ServerID:     srv.ID,
			PrivateKey:   keys.PrivateKey,
			PublicKey:    keys.PublicKey,
			PresharedKey: keys.PresharedKey,
			AssignedIP:   addr.String(),
			Active:       true,
		}
		if err := tx.Create(&dev).Error; err != nil {
			return faults.Wrap(faults.Internal, "device insert failed", err)
		}
		// обрыв клиента не должен обрывать уже начатый вызов файрвола:
		// addPeer доводится до конца или до собственного таймаута
		peerUUID, err := s.fw.AddPeer(context.WithoutCancel(ctx), dev.PeerName(), keys.PublicKey, addr.String(), keys.PresharedKey)
		if err != nil {
			return err // откат всей транзакции
		}
		dev.FirewallUUID = &peerUUID
		if err := tx.Model(&dev).Update("firewall_uuid", peerUUID).Error; err != nil {
			return faults.Wrap(faults.Internal, "firewall uuid linkage failed", err)
		}
		return nil
	})
	if err != nil {
		if _, ok := faults.KindOf(err); ok {
			return nil, err
		}
		return nil, faults.Wrap(faults.Internal, "device creation transaction failed", err)
	}

	// 8. кэш конфига — не связан с транзакцией, при отказе
	// регенерируется лениво при чтении
	if _, err := s.materializeConfig(ctx, &dev, srv); err != nil {
		logs.Logger.Warnf("provision: config cache for device %d failed (ignored): %v", dev.ID, err)
	}

	logs.Logger.Infof("provision: device %d (%s) created ip=%s peer=%s",
		dev.ID, dev.PeerName(), dev.AssignedIP, *dev.FirewallUUID)
	return &CreateResult{
		ID:         dev.ID,
		DeviceName: dev.Name,
		Server:     serverInfo(srv),
		AssignedIP: dev.AssignedIP,
		PublicKey:  dev.PublicKey,
		CreatedAt:  dev.CreatedAt,
	}, nil
}

// preSync выравнивает строки пользователя по фактическому состоянию
// файрвола: пир, удалённый на файрволе руками, обесценивает строку;
// сменившийся uuid — перепривязывается.
func (s *Service) preSync(ctx context.Context, username string) error {
	rows, err := s.devices.ActiveByUsername(ctx, username)
	if err != nil {
		return faults.Wrap(faults.Internal, "device pre-sync read failed", err)
	}
	if len(rows) == 0 {
		return nil
	}

	// недоступный файрвол отдаёт пустой снимок пиров; выравнивание по
	// такому снимку деактивировало бы живые строки — пропускаем
	if h := s.fw.HealthCheck(ctx); !h.Healthy {
		logs.Logger.Warnf("provision: firewall unhealthy, skipping pre-sync: %s", h.Detail)
		return nil
	}

	peers := s.fw.ListPeers(ctx)
	byUUID := make(map[string]*opnsense.Peer, len(peers))
	byName := make(map[string]*opnsense.Peer, len(peers))
	for i := range peers {
		byUUID[peers[i].UUID] = &peers[i]
		byName[peers[i].Name] = &peers[i]
	}

	for i := range rows {
		row := &rows[i]
		if row.FirewallUUID != nil {
			if _, ok := byUUID[*row.FirewallUUID]; ok {
				continue
			}
		}
		if p, ok := byName[row.PeerName()]; ok {
			// пир есть, но записанный uuid устарел (или отсутствовал)
			if err := s.devices.SetFirewallUUID(ctx, row.ID, p.UUID); err != nil {
				return faults.Wrap(faults.Internal, "pre-sync uuid relink failed", err)
			}
			continue
		}
		logs.Logger.Infof("provision: peer for device %d (%s) gone from firewall, deactivating row",
			row.ID, row.PeerName())
		if err := s.devices.Deactivate(ctx, row.ID); err != nil {
			return faults.Wrap(faults.Internal, "pre-sync deactivate failed", err)
		}
	}
	return nil
}

type RemoveResult struct {
	ID uint `json:"id"`
	// false — пир на файрволе снять не удалось; локально устройство всё
	// равно деактивировано, дрейф закроет reconcile. Мягкое
	// предупреждение клиенту, не ошибка запроса.
	FirewallRemoved bool `json:"firewall_removed"`
}

// RemoveDevice — мягкое удаление + best-effort снятие пира.
func (s *Service) RemoveDevice(ctx context.Context, username string, id uint) (*RemoveResult, error) {
	dev, err := s.devices.GetOwnedActive(ctx, id, username)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, err
		}
		return nil, faults.Wrap(faults.Internal, "device lookup failed", err)
	}

	fwRemoved := true
	if dev.FirewallUUID != nil {
		if err := s.fw.RemovePeer(ctx, *dev.FirewallUUID); err != nil {
			fwRemoved = false
			logs.Logger.Warnf("provision: peer %s removal failed, reconcile will repair: %v",
				*dev.FirewallUUID, err)
		}
	}
	if err := s.devices.Deactivate(ctx, dev.ID); err != nil {
		return nil, faults.Wrap(faults.Internal, "device deactivate failed", err)
	}
	logs.Logger.Infof("provision: device %d (%s) removed fw_removed=%v", dev.ID, dev.PeerName(), fwRemoved)
	return &RemoveResult{ID: dev.ID, FirewallRemoved: fwRemoved}, nil
}

// DeviceConfig возвращает кэш конфига, регенерируя его при отсутствии.
func (s *Service) DeviceConfig(ctx context.Context, username string, id uint) (string, error) {
	dev, err := s.devices.GetOwnedActive(ctx, id, username)
	if err != nil {
		if err == repo.ErrNotFound {
			return "", err
		}
		return "", faults.Wrap(faults.Internal, "device lookup failed", err)
	}
	if dev.Config != "" {
		return dev.Config, nil
	}
	srv, err := s.servers.Get(ctx, dev.ServerID)
	if err != nil {
		return "", faults.Wrap(faults.Internal, "server lookup failed", err)
	}
	return s.materializeConfig(ctx, dev, srv)
}

func (s *Service) materializeConfig(ctx context.Context, dev *models.Device, srv *models.Server) (string, error) {
	cfg := wireguard.RenderClientConfig(wireguard.ClientConfig{
		Address:         dev.AssignedIP + "/32",
		PrivateKey:      dev.PrivateKey,
		DNS:             s.opts.DNS,
		ServerPublicKey: srv.PublicKey,
		PresharedKey:    dev.PresharedKey,
		Endpoint:        srv.Endpoint,
		AllowedIPs:      s.opts.AllowedIPs,
		Keepalive:       s.opts.Keepalive,
	})
	if err := s.devices.SaveConfig(ctx, dev.ID, cfg); err != nil {
		return "", faults.Wrap(faults.Internal, "config cache write failed", err)
	}
	return cfg, nil
}

type DeviceInfo struct {
	ID         uint                `json:"id"`
	Name       string              `json:"name"`
	Server     ServerInfo          `json:"server"`
	AssignedIP string              `json:"assigned_ip"`
	PublicKey  string              `json:"public_key"`
	CreatedAt  time.Time           `json:"created_at"`
	LastUsed   *models.DeviceUsage `json:"last_used,omitempty"`
}

// ListDevices — активные устройства пользователя для портала.
func (s *Service) ListDevices(ctx context.Context, username string) ([]DeviceInfo, error) {
	rows, err := s.devices.ActiveByUsername(ctx, username)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "device list failed", err)
	}
	servers := map[uint]*models.Server{}
	out := make([]DeviceInfo, 0, len(rows))
	for i := range rows {
		srv := servers[rows[i].ServerID]
		if srv == nil {
			srv, err = s.servers.Get(ctx, rows[i].ServerID)
			if err != nil {
				return nil, faults.Wrap(faults.Internal, "server lookup failed", err)
			}
			servers[srv.ID] = srv
		}
		info := DeviceInfo{
			ID:         rows[i].ID,
			Name:       rows[i].Name,
			Server:     serverInfo(srv),
			AssignedIP: rows[i].AssignedIP,
			PublicKey:  rows[i].PublicKey,
			CreatedAt:  rows[i].CreatedAt,
		}
		if len(rows[i].LastUsed) > 0 {
			info.LastUsed = decodeUsage(rows[i].LastUsed)
		}
		out = append(out, info)
	}
	return out, nil
}

func decodeUsage(b datatypes.JSON) *models.DeviceUsage {
	var u models.DeviceUsage
	if err := json.Unmarshal(b, &u); err != nil {
		return nil
	}
	return &u
}

func serverInfo(srv *models.Server) ServerInfo {
	return ServerInfo{
		ID:       srv.ID,
		Name:     srv.Name,
		Country:  srv.Country,
		Location: srv.Location,
		Endpoint: srv.Endpoint,
	}
}
