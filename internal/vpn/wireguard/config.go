package wireguard

import (
	"fmt"
	"strings"
)

// ClientConfig — данные для рендера клиентского конфига устройства.
type ClientConfig struct {
	Address         string // "10.0.0.2/32"
	PrivateKey      string
	DNS             string // пусто — строка не пишется
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string // "host:port"
	AllowedIPs      string
	Keepalive       int
}

// RenderClientConfig собирает текст [Interface]/[Peer] для устройства.
// Текст кэшируется в строке устройства и регенерируется лениво.
func RenderClientConfig(c ClientConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "Address = %s\n", c.Address)
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	if c.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", c.DNS)
	}
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	if c.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", c.PresharedKey)
	}
	if c.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	}
	if c.AllowedIPs != "" {
		fmt.Fprintf(&b, "AllowedIPs = %s\n", c.AllowedIPs)
	}
	if c.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", c.Keepalive)
	}
	return b.String()
}
