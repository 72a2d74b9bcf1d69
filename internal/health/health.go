package health

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"vpnhub/internal/models"
	"vpnhub/internal/opnsense"
)

// FirewallProber — статус удалённого файрвола (никогда не ошибается).
type FirewallProber interface {
	HealthCheck(ctx context.Context) opnsense.Health
}

// RegisterRoutes — liveness + readiness.
// Readiness падает только на недоступной БД; состояние файрвола
// репортится в теле, но не валит готовность (дрейф чинит reconcile).
func RegisterRoutes(r *mux.Router, db *gorm.DB, fw FirewallProber) {
	r.HandleFunc("/healthz", liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		sqlDB, err := db.DB()
		if err != nil {
			http.Error(w, "db handle error", http.StatusServiceUnavailable)
			return
		}
		if err := sqlDB.Ping(); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		h := fw.HealthCheck(req.Context())
		models.WriteJSON(w, http.StatusOK, map[string]any{
			"database": "ok",
			"firewall": map[string]any{"healthy": h.Healthy, "detail": h.Detail},
		})
	}).Methods(http.MethodGet)
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
