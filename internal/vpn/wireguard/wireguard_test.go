package wireguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestGenerate(t *testing.T) {
	km, err := Generate()
	require.NoError(t, err)
	require.NotEmpty(t, km.PrivateKey)
	require.NotEmpty(t, km.PublicKey)
	require.NotEmpty(t, km.PresharedKey)

	// публичный ключ обязан выводиться из приватного
	priv, err := wgtypes.ParseKey(km.PrivateKey)
	require.NoError(t, err)
	require.Equal(t, priv.PublicKey().String(), km.PublicKey)

	_, err = wgtypes.ParseKey(km.PresharedKey)
	require.NoError(t, err)
}

func TestGenerateUnique(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	require.NotEqual(t, a.PrivateKey, b.PrivateKey)
	require.NotEqual(t, a.PresharedKey, b.PresharedKey)
}

func TestRenderClientConfig(t *testing.T) {
	cfg := RenderClientConfig(ClientConfig{
		Address:         "10.0.0.2/32",
		PrivateKey:      "PRIV",
		DNS:             "1.1.1.1",
		ServerPublicKey: "SRVPUB",
		PresharedKey:    "PSK",
		Endpoint:        "vpn.example.org:51820",
		AllowedIPs:      "0.0.0.0/0",
		Keepalive:       25,
	})

	require.Contains(t, cfg, "[Interface]")
	require.Contains(t, cfg, "Address = 10.0.0.2/32")
	require.Contains(t, cfg, "PrivateKey = PRIV")
	require.Contains(t, cfg, "DNS = 1.1.1.1")
	require.Contains(t, cfg, "[Peer]")
	require.Contains(t, cfg, "PublicKey = SRVPUB")
	require.Contains(t, cfg, "PresharedKey = PSK")
	require.Contains(t, cfg, "Endpoint = vpn.example.org:51820")
	require.Contains(t, cfg, "AllowedIPs = 0.0.0.0/0")
	require.Contains(t, cfg, "PersistentKeepalive = 25")
}

func TestRenderClientConfigOptionalFields(t *testing.T) {
	cfg := RenderClientConfig(ClientConfig{
		Address:         "10.0.0.2/32",
		PrivateKey:      "PRIV",
		ServerPublicKey: "SRVPUB",
	})
	require.False(t, strings.Contains(cfg, "DNS ="))
	require.False(t, strings.Contains(cfg, "PresharedKey ="))
	require.False(t, strings.Contains(cfg, "PersistentKeepalive"))
}
