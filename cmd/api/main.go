package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/api"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/config"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/notify"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider/hyperpay"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider/stripepay"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/service"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/store"
)

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	dbPool, err := pgxpool.New(context.Background(), cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbPool.Close()

	paymentStore := store.NewStore(dbPool)

	registry := provider.NewRegistry()
	if cfg.HyperPayEntityID != "" {
		err = registry.Register(hyperpay.New(hyperpay.Config{
			BaseURL:       cfg.HyperPayBaseURL,
			EntityID:      cfg.HyperPayEntityID,
			AccessToken:   cfg.HyperPayAccessToken,
			WebhookSecret: cfg.HyperPayWebhookSecret,
			Timeout:       cfg.ProviderTimeout,
		}))
		if err != nil {
			log.Fatal(err)
		}
	}
	if cfg.StripeSecretKey != "" {
		err = registry.Register(stripepay.New(stripepay.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}))
		if err != nil {
			log.Fatal(err)
		}
	}
	psp, err := registry.Get(cfg.ActiveProvider)
	if err != nil {
		log.Fatal(err)
	}

	orch := service.NewOrchestrator(psp, paymentStore, notify.NewLogNotifier(logger), logger, service.Config{
		CommissionRate: cfg.CommissionRate,
		EscrowHoldFor:  cfg.EscrowHoldFor,
		BatchSize:      cfg.BatchSize,
	})
	handler := api.NewHandler(orch, paymentStore, psp.Name(), logger)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")
	handler.Routes(r)

	logger.Info("server starting", "port", cfg.Port, "provider", psp.Name(), "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
