package wireguard

import (
	"vpnhub/internal/faults"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyMaterial — ключи нового устройства.
type KeyMaterial struct {
	PrivateKey   string
	PublicKey    string
	PresharedKey string
}

// Generate выпускает пару ключей и preshared key.
// Отказ генерации — жёсткая ошибка ToolingUnavailable: подменять ключи
// заглушками нельзя, это породило бы фантомные нерабочие устройства.
func Generate() (*KeyMaterial, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, faults.Wrap(faults.ToolingUnavailable, "wireguard private key generation failed", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, faults.Wrap(faults.ToolingUnavailable, "wireguard preshared key generation failed", err)
	}
	return &KeyMaterial{
		PrivateKey:   priv.String(),
		PublicKey:    priv.PublicKey().String(),
		PresharedKey: psk.String(),
	}, nil
}
