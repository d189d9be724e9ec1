// The worker runs the escrow reconciliation loop: auto-release of
// transactions past their escrow window and processing of queued refund
// requests. It shares nothing with the API process except the database.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/config"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/notify"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider/hyperpay"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider/stripepay"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/scheduler"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/service"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := pgxpool.New(ctx, cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer dbPool.Close()

	paymentStore := store.NewStore(dbPool)

	var psp provider.Provider
	switch cfg.ActiveProvider {
	case "hyperpay":
		psp = hyperpay.New(hyperpay.Config{
			BaseURL:       cfg.HyperPayBaseURL,
			EntityID:      cfg.HyperPayEntityID,
			AccessToken:   cfg.HyperPayAccessToken,
			WebhookSecret: cfg.HyperPayWebhookSecret,
			Timeout:       cfg.ProviderTimeout,
		})
	case "stripe":
		psp = stripepay.New(stripepay.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
	default:
		log.Fatalf("unknown PAYMENT_PROVIDER %q", cfg.ActiveProvider)
	}

	orch := service.NewOrchestrator(psp, paymentStore, notify.NewLogNotifier(logger), logger, service.Config{
		CommissionRate: cfg.CommissionRate,
		EscrowHoldFor:  cfg.EscrowHoldFor,
		BatchSize:      cfg.BatchSize,
	})

	sched := scheduler.New(orch, paymentStore, logger, cfg.SchedulerInterval)
	logger.Info("worker starting", "interval", cfg.SchedulerInterval.String(), "provider", psp.Name())
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	logger.Info("worker stopped")
}
