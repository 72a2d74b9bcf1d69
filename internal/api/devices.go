package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"

	"vpnhub/internal/faults"
	"vpnhub/internal/logs"
	"vpnhub/internal/middleware"
	"vpnhub/internal/models"
	"vpnhub/internal/provision"
	"vpnhub/internal/reconcile"
	"vpnhub/internal/repo"
)

// DeviceHandler — маршруты устройств поверх провижининга.
// Аутентификация живёт выше (middleware.RequireUser), сюда приходит
// уже проверенное имя пользователя.
type DeviceHandler struct {
	svc *provision.Service
	rec *reconcile.Job
}

func NewDeviceHandler(svc *provision.Service, rec *reconcile.Job) *DeviceHandler {
	return &DeviceHandler{svc: svc, rec: rec}
}

func RegisterDeviceRoutes(r *mux.Router, h *DeviceHandler) {
	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.Use(middleware.RequireUser)
	sub.HandleFunc("/devices", h.Create).Methods(http.MethodPost)
	sub.HandleFunc("/devices", h.List).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{id:[0-9]+}", h.Remove).Methods(http.MethodDelete)
	sub.HandleFunc("/devices/{id:[0-9]+}/config", h.Config).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{id:[0-9]+}/qr", h.QR).Methods(http.MethodGet)
}

type createDeviceRequest struct {
	DeviceName string `json:"device_name"`
	ServerID   uint   `json:"server_id"`
}

func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json body", nil)
		return
	}
	req.DeviceName = strings.TrimSpace(req.DeviceName)
	if req.DeviceName == "" || req.ServerID == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request",
			"device_name and server_id are required", nil)
		return
	}

	res, err := h.svc.CreateDevice(r.Context(), provision.CreateInput{
		Username:   middleware.Username(r),
		DeviceName: req.DeviceName,
		ServerID:   req.ServerID,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListDevices(r.Context(), middleware.Username(r))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RemoveDevice(r.Context(), middleware.Username(r), pathID(r))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *DeviceHandler) Config(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.DeviceConfig(r.Context(), middleware.Username(r), pathID(r))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cfg))
}

func (h *DeviceHandler) QR(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.DeviceConfig(r.Context(), middleware.Username(r), pathID(r))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	png, err := qrcode.Encode(cfg, qrcode.Medium, 512)
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
			"qr encoding failed", nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// Reconcile — ручной запуск сверки (плановая идёт по расписанию).
func (h *DeviceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	stats, err := h.rec.Run(r.Context())
	if err != nil {
		logs.Logger.Errorf("api: manual reconcile finished with errors: %v", err)
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"created_peers": stats.CreatedPeers,
		"removed_peers": stats.RemovedPeers,
		"relinked":      stats.Relinked,
		"failures":      stats.Failures,
		"skipped":       stats.Skipped,
	})
}

func pathID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	return uint(id)
}

// writeFault переводит ошибки ядра в problem+json.
// Сырые ошибки наружу не уходят.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "no such device", nil)
		return
	}
	var fe *faults.Error
	if !errors.As(err, &fe) {
		logs.Logger.Errorf("api: unclassified error reqid=%s: %v", middleware.GetRequestID(r), err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
			"unexpected error", nil)
		return
	}
	if fe.Kind == faults.Internal {
		logs.Logger.Errorf("api: internal error reqid=%s: %v", middleware.GetRequestID(r), fe)
	}
	models.WriteProblem(w, statusFor(fe.Kind), string(fe.Kind), fe.Detail, map[string]any{
		"kind":             string(fe.Kind),
		"payment_required": faults.PaymentRequired(fe.Kind),
	})
}

func statusFor(k faults.Kind) int {
	switch k {
	case faults.SubscriptionRequired, faults.SubscriptionExpired:
		return http.StatusPaymentRequired
	case faults.DuplicateDeviceName:
		return http.StatusConflict
	case faults.DeviceLimitReached:
		return http.StatusForbidden
	case faults.ServerUnavailable, faults.RangeExhausted:
		return http.StatusServiceUnavailable
	case faults.ServerMisconfigured, faults.SubnetConfigMismatch, faults.SubnetMismatch,
		faults.RangeNotConfigured, faults.AddressOutOfRange, faults.ToolingUnavailable:
		return http.StatusInternalServerError
	case faults.FirewallRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
