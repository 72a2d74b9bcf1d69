package opnsense

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"vpnhub/internal/faults"
	"vpnhub/internal/logs"
)

// HandshakeWindow — окно, в котором handshake считается «живым».
// Используется только для отображения/здоровья, не для авторитетного стейта.
const HandshakeWindow = 3 * time.Minute

const defaultTimeout = 15 * time.Second

// Config — подключение к management-API файрвола (OPNsense).
type Config struct {
	BaseURL     string // https://fw.example.org
	APIKey      string
	APISecret   string
	InsecureTLS bool // self-signed сертификаты на фаерволе — норма
	Timeout     time.Duration
}

// Client — типизированная обёртка над wireguard-плагином OPNsense.
// Каждый мутирующий вызов завершается рестартом сервиса: без этого
// файрвол не применяет изменения пиров.
type Client struct {
	baseURL string
	key     string
	secret  string
	hc      *http.Client

	now func() time.Time // подменяется в тестах
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tr := &http.Transport{}
	if cfg.InsecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.APIKey,
		secret:  cfg.APISecret,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
		now:     time.Now,
	}
}

// Peer — пир, как его видит файрвол (зеркалим, не владеем).
type Peer struct {
	UUID          string
	Name          string
	PublicKey     string
	TunnelAddress string
	PresharedKey  string
	Enabled       bool
}

// PeerActivity — снимок handshake/трафика для отображения.
type PeerActivity struct {
	PublicKey       string
	LastHandshakeAt time.Time
	TransferRx      uint64
	TransferTx      uint64
	Active          bool
}

type Health struct {
	Healthy bool
	Detail  string
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("opnsense: marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("opnsense: build request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opnsense: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("opnsense: read response %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("opnsense: %s %s: http %d", method, path, resp.StatusCode)
	}
	return b, nil
}

// AddPeer создаёт пира и возвращает его UUID на файрволе.
// Не-"saved" ответ — FirewallRejected (вызывающий откатывает транзакцию).
func (c *Client) AddPeer(ctx context.Context, name, publicKey, address, psk string) (string, error) {
	payload := map[string]any{
		"client": map[string]any{
			"enabled":       "1",
			"name":          name,
			"pubkey":        publicKey,
			"tunneladdress": address + "/32",
			"psk":           psk,
		},
	}
	b, err := c.do(ctx, http.MethodPost, "/api/wireguard/client/addClient", payload)
	if err != nil {
		return "", faults.Wrap(faults.FirewallRejected, "peer create call failed", err)
	}
	if gjson.GetBytes(b, "result").String() != "saved" {
		return "", faults.Newf(faults.FirewallRejected, "peer create not confirmed: %s", trimBody(b))
	}
	peerUUID := gjson.GetBytes(b, "uuid").String()
	if peerUUID == "" {
		return "", faults.New(faults.FirewallRejected, "peer create confirmed without uuid")
	}
	c.restartQuiet(ctx)
	return peerUUID, nil
}

// RemovePeer удаляет пира по UUID.
func (c *Client) RemovePeer(ctx context.Context, peerUUID string) error {
	b, err := c.do(ctx, http.MethodPost, "/api/wireguard/client/delClient/"+peerUUID, map[string]any{})
	if err != nil {
		return faults.Wrap(faults.FirewallRejected, "peer delete call failed", err)
	}
	if gjson.GetBytes(b, "result").String() != "deleted" {
		return faults.Newf(faults.FirewallRejected, "peer delete not confirmed: %s", trimBody(b))
	}
	c.restartQuiet(ctx)
	return nil
}

// ListPeers возвращает всех пиров. Отказ чтения деградирует в пустой
// список: читатели, терпимые к устаревшим данным, не должны падать.
func (c *Client) ListPeers(ctx context.Context) []Peer {
	b, err := c.do(ctx, http.MethodGet, "/api/wireguard/client/get", nil)
	if err != nil {
		logs.Logger.Warnf("opnsense: list peers: %v", err)
		return nil
	}
	var peers []Peer
	// пиры лежат объектом с динамическими UUID-ключами
	gjson.GetBytes(b, "client.clients.client").ForEach(func(key, val gjson.Result) bool {
		peers = append(peers, Peer{
			UUID:          key.String(),
			Name:          val.Get("name").String(),
			PublicKey:     val.Get("pubkey").String(),
			TunnelAddress: val.Get("tunneladdress").String(),
			PresharedKey:  val.Get("psk").String(),
			Enabled:       val.Get("enabled").String() == "1",
		})
		return true
	})
	return peers
}

// ListActivePeers — кто шевелился за последние HandshakeWindow.
func (c *Client) ListActivePeers(ctx context.Context) ([]PeerActivity, error) {
	b, err := c.do(ctx, http.MethodGet, "/api/wireguard/service/showconf", nil)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []PeerActivity
	gjson.GetBytes(b, "rows").ForEach(func(_, row gjson.Result) bool {
		if row.Get("type").String() != "peer" {
			return true
		}
		a := PeerActivity{
			PublicKey:  row.Get("public-key").String(),
			TransferRx: row.Get("transfer-rx").Uint(),
			TransferTx: row.Get("transfer-tx").Uint(),
		}
		if hs := row.Get("latest-handshake").Int(); hs > 0 {
			a.LastHandshakeAt = time.Unix(hs, 0)
			a.Active = now.Sub(a.LastHandshakeAt) <= HandshakeWindow
		}
		out = append(out, a)
		return true
	})
	return out, nil
}

// VerifySubnetMatch сверяет подсеть wg-интерфейса файрвола с ожидаемой.
// Защита на момент выдачи: нельзя выдавать адреса, которые файрвол
// не будет маршрутизировать.
func (c *Client) VerifySubnetMatch(ctx context.Context, expected string) error {
	want, err := netip.ParsePrefix(expected)
	if err != nil {
		return faults.Newf(faults.SubnetMismatch, "expected subnet %q is not a valid CIDR", expected)
	}
	want = want.Masked()

	b, err := c.do(ctx, http.MethodGet, "/api/wireguard/server/get", nil)
	if err != nil {
		return faults.Wrap(faults.SubnetMismatch, "firewall subnet lookup failed", err)
	}

	var seen []string
	matched := false
	gjson.GetBytes(b, "server.servers.server").ForEach(func(_, inst gjson.Result) bool {
		// tunneladdress может быть CSV из нескольких сетей
		for _, raw := range strings.Split(inst.Get("tunneladdress").String(), ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			seen = append(seen, raw)
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				continue
			}
			if p.Masked() == want {
				matched = true
				return false
			}
		}
		return true
	})
	if !matched {
		return faults.Newf(faults.SubnetMismatch,
			"firewall wireguard subnet(s) %v do not include expected %s", seen, expected)
	}
	return nil
}

// HealthCheck никогда не возвращает ошибку — только статус.
func (c *Client) HealthCheck(ctx context.Context) Health {
	b, err := c.do(ctx, http.MethodGet, "/api/core/firmware/status", nil)
	if err != nil {
		return Health{Healthy: false, Detail: err.Error()}
	}
	detail := gjson.GetBytes(b, "product_version").String()
	if detail == "" {
		detail = "reachable"
	}
	return Health{Healthy: true, Detail: detail}
}

// RestartService просит файрвол перезапустить wireguard-сервис.
func (c *Client) RestartService(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/wireguard/service/restart", map[string]any{})
	return err
}

// restartQuiet: отказ рестарта не фатален — сервис мог уже работать,
// дрейф позже закроет reconcile.
func (c *Client) restartQuiet(ctx context.Context) {
	if err := c.RestartService(ctx); err != nil {
		logs.Logger.Warnf("opnsense: service restart failed (ignored): %v", err)
	}
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
