package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"vpnhub/internal/middleware"
	"vpnhub/internal/models"
	"vpnhub/internal/repo"
)

type ServerHandler struct {
	servers *repo.ServerStore
}

func NewServerHandler(servers *repo.ServerStore) *ServerHandler {
	return &ServerHandler{servers: servers}
}

// RegisterServerRoutes: список серверов — пользователям, регистрация
// сервера и ручной reconcile — только со служебным токеном.
func RegisterServerRoutes(r *mux.Router, h *ServerHandler, dh *DeviceHandler, adminToken string) {
	user := r.PathPrefix("/api/v1").Subrouter()
	user.Use(middleware.RequireUser)
	user.HandleFunc("/servers", h.List).Methods(http.MethodGet)

	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(middleware.AdminToken(adminToken))
	admin.HandleFunc("/servers", h.Register).Methods(http.MethodPost)
	admin.HandleFunc("/reconcile", dh.Reconcile).Methods(http.MethodPost)
}

func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	out, err := h.servers.List(r.Context())
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error",
			"server list failed", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"servers": out})
}

type registerServerRequest struct {
	Country    string `json:"country"`
	Location   string `json:"location"`
	SubnetCIDR string `json:"subnet_cidr"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	PublicKey  string `json:"public_key"`
	Endpoint   string `json:"endpoint"`
}

func (h *ServerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json body", nil)
		return
	}
	srv := &models.Server{
		Country:    req.Country,
		Location:   req.Location,
		SubnetCIDR: req.SubnetCIDR,
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		PublicKey:  req.PublicKey,
		Endpoint:   req.Endpoint,
	}
	if err := h.servers.Register(r.Context(), srv); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), nil)
		return
	}
	models.WriteJSON(w, http.StatusCreated, srv)
}
