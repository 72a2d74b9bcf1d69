package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vpnhub/config"
	"vpnhub/internal/api"
	"vpnhub/internal/db"
	"vpnhub/internal/health"
	"vpnhub/internal/logs"
	"vpnhub/internal/middleware"
	"vpnhub/internal/models"
	"vpnhub/internal/opnsense"
	"vpnhub/internal/provision"
	"vpnhub/internal/reconcile"
	"vpnhub/internal/repo"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	job *reconcile.Job

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB */
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	a.db = d

	if err := a.db.AutoMigrate(
		&models.Device{},
		&models.Server{},
		&models.Account{},
		&models.Sequence{},
		&models.JobLock{},
	); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	/* 3) Файрвол */
	fw := opnsense.New(opnsense.Config{
		BaseURL:     a.cfg.Firewall.BaseURL,
		APIKey:      a.cfg.Firewall.APIKey,
		APISecret:   a.cfg.Firewall.APISecret,
		InsecureTLS: a.cfg.Firewall.InsecureTLS,
		Timeout:     a.cfg.FirewallTimeout(),
	})

	/* 4) Сторы + сервисы */
	devices := repo.NewDeviceStore(a.db)
	servers := repo.NewServerStore(a.db)
	accounts := repo.NewAccountStore(a.db)
	locks := repo.NewLockStore(a.db)

	svc := provision.NewService(a.db, devices, servers, accounts, fw, provision.Options{
		DefaultDeviceLimit: a.cfg.Provision.DefaultDeviceLimit,
		Keepalive:          a.cfg.Provision.Keepalive,
		DNS:                a.cfg.Provision.DNS,
		AllowedIPs:         a.cfg.Provision.AllowedIPs,
	})
	a.job = reconcile.NewJob(devices, locks, fw, a.cfg.ReconcileLockTTL())

	/* 5) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 6) Health */
	health.RegisterRoutes(a.Router, a.db, fw) // /healthz, /readyz

	/* 7) API */
	dh := api.NewDeviceHandler(svc, a.job)
	api.RegisterDeviceRoutes(a.Router, dh)
	api.RegisterServerRoutes(a.Router, api.NewServerHandler(servers), dh, a.cfg.Admin.Token)

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	// сверка: раз при старте (дождавшись файрвола) и далее по расписанию
	go a.job.RunLoop(a.ctx, a.cfg.ReconcileInterval(), a.cfg.Reconcile.RunOnStart)

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
