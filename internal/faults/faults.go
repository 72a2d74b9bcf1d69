package faults

import (
	"errors"
	"fmt"
)

// Kind — машинно-различимый вид ошибки ядра.
// Наружу (HTTP-слой) уходит только Kind + Detail, никаких сырых
// ошибок транспорта или БД.
type Kind string

const (
	ToolingUnavailable   Kind = "tooling_unavailable"
	RangeNotConfigured   Kind = "range_not_configured"
	RangeExhausted       Kind = "range_exhausted"
	AddressOutOfRange    Kind = "address_out_of_range"
	SubscriptionRequired Kind = "subscription_required"
	SubscriptionExpired  Kind = "subscription_expired"
	DuplicateDeviceName  Kind = "duplicate_device_name"
	DeviceLimitReached   Kind = "device_limit_reached"
	ServerUnavailable    Kind = "server_unavailable"
	ServerMisconfigured  Kind = "server_misconfigured"
	SubnetMismatch       Kind = "subnet_mismatch"
	SubnetConfigMismatch Kind = "subnet_config_mismatch"
	FirewallRejected     Kind = "firewall_rejected"
	Internal             Kind = "internal"
)

type Error struct {
	Kind   Kind
	Detail string
	Err    error // исходная причина, не уходит наружу
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap сохраняет причину для логов, наружу идут kind+detail.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf достаёт Kind из цепочки ошибок; ok=false — ошибка не наша.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// PaymentRequired — флаг для клиента: проблема решается оплатой.
func PaymentRequired(kind Kind) bool {
	return kind == SubscriptionRequired || kind == SubscriptionExpired
}
