package router

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"vpnaccess/internal/api/v1/handler"
	"vpnaccess/internal/config"
	"vpnaccess/internal/metrics"
	"vpnaccess/internal/middleware"
	"vpnaccess/internal/provision"
	"vpnaccess/internal/repository"
	"vpnaccess/internal/service"
)

// New wires the store, engine, gateway and handlers into an HTTP handler.
func New(cfg *config.Config, logger zerolog.Logger) (http.Handler, *sql.DB, error) {
	db, err := OpenDB(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := repository.EnsureSchema(context.Background(), db); err != nil {
		return nil, nil, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	metrics.Init()

	// Repositories & services & handlers.
	identityRepo := repository.NewIdentityRepo(db)
	entitlementRepo := repository.NewEntitlementRepo(db)
	promoRepo := repository.NewPromoRepo(db)

	provisioner := provision.NewScriptProvisioner(cfg.VPNScriptPath, cfg.ClientsDir, cfg.BashPath, logger)
	gateway := provision.NewGateway(
		provisioner,
		logger,
		cfg.ProvisionMaxRetries,
		time.Duration(cfg.ProvisionBackoffInitialSec)*time.Second,
		time.Duration(cfg.ProvisionBackoffMaxSec)*time.Second,
		time.Duration(cfg.ProvisionTimeoutSec)*time.Second,
	)

	entitlementSvc := service.NewEntitlementService(identityRepo, entitlementRepo, gateway, logger)
	promoSvc := service.NewPromoService(promoRepo, logger)

	entitlementHandler := handler.NewEntitlementHandler(entitlementSvc, validate, logger)
	promoHandler := handler.NewPromoHandler(promoSvc, validate, logger)

	adminAuth := middleware.AdminAuth(cfg.AdminJWTSecret, logger)

	mux := http.NewServeMux()
	entitlementHandler.RegisterRoutes(mux, adminAuth)
	promoHandler.RegisterRoutes(mux, adminAuth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	var root http.Handler = mux
	root = middleware.RequestLogger(logger)(root)
	root = metrics.Instrument(root)
	root = cors.Default().Handler(root)

	return root, db, nil
}

// OpenDB opens and verifies the Postgres connection shared by the API server
// and the sweeper binary.
func OpenDB(cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	dsn := cfg.DatabaseURL
	// Local development talks to a plain Postgres without TLS.
	if cfg.Environment == "development" && !strings.Contains(dsn, "sslmode") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + "sslmode=disable"
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	logger.Info().Msg("Database connection successful")

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
