package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"vpnhub/internal/faults"
	"vpnhub/internal/repo"
)

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusPaymentRequired, statusFor(faults.SubscriptionRequired))
	require.Equal(t, http.StatusPaymentRequired, statusFor(faults.SubscriptionExpired))
	require.Equal(t, http.StatusConflict, statusFor(faults.DuplicateDeviceName))
	require.Equal(t, http.StatusForbidden, statusFor(faults.DeviceLimitReached))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(faults.RangeExhausted))
	require.Equal(t, http.StatusBadGateway, statusFor(faults.FirewallRejected))
	require.Equal(t, http.StatusInternalServerError, statusFor(faults.SubnetConfigMismatch))
}

func TestWriteFaultPaymentFlag(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/devices", nil)

	writeFault(w, r, faults.New(faults.SubscriptionExpired, "renew first"))

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.True(t, gjson.Get(body, "extra.payment_required").Bool())
	require.Equal(t, "subscription_expired", gjson.Get(body, "extra.kind").String())
	require.Equal(t, "renew first", gjson.Get(body, "detail").String())
}

func TestWriteFaultNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/devices/7", nil)

	writeFault(w, r, repo.ErrNotFound)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWriteFaultHidesRawErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/devices", nil)

	writeFault(w, r, faults.Wrap(faults.Internal, "device insert failed",
		http.ErrHandlerTimeout))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), http.ErrHandlerTimeout.Error(),
		"raw cause must not leak to the client")
}
