// Симулятор устройства: собирает клиентский SDK с имитацией магазина
// и прогоняет основной поток — статус, покупка, восстановление.
// Используется для ручной проверки против локально запущенного бэкенда.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lunaria-app/entitlement-engine/internal/client/access"
	"github.com/lunaria-app/entitlement-engine/internal/client/backendapi"
	"github.com/lunaria-app/entitlement-engine/internal/client/devoverride"
	"github.com/lunaria-app/entitlement-engine/internal/client/engine"
	"github.com/lunaria-app/entitlement-engine/internal/client/installid"
	"github.com/lunaria-app/entitlement-engine/internal/client/kvstore"
	"github.com/lunaria-app/entitlement-engine/internal/client/session"
	"github.com/lunaria-app/entitlement-engine/internal/client/storeadapter"
	"github.com/lunaria-app/entitlement-engine/internal/models"
)

const appVersion = "2.4.1"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	baseURL := os.Getenv("BACKEND_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	platform := os.Getenv("SIM_PLATFORM")
	if platform == "" {
		platform = models.PlatformIOS
	}

	statePath := filepath.Join(os.TempDir(), "device-sim", "state.json")
	store, err := kvstore.NewFileStore(statePath)
	if err != nil {
		logger.Error("failed to open device storage", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dev override полностью замещает настоящий движок, пока активен.
	if os.Getenv("DEV_OVERRIDE") == "cycle" {
		override := devoverride.New(store, logger)
		next := override.Cycle()
		logger.Info("dev override state",
			slog.String("state", next),
			slog.Bool("full_access", override.IsFullAccess()))
		return
	}

	identity := installid.New(store, logger)
	installID := identity.InstallID()
	logger.Info("device identity", slog.String("install_id", installID))

	api := backendapi.New(baseURL, logger)
	sessions := session.New(api, store, installID, platform, appVersion, logger)
	api.UseTokenSource(sessions)

	policy := access.New(store, identity.InstallTimestamp(), logger)
	adapter := storeadapter.New(newFakeStoreClient(platform), platform,
		[]string{"lunaria.monthly", "lunaria.yearly"}, logger)

	eng := engine.New(api, adapter, policy, installID, engine.Config{
		Platform:    platform,
		MonthlySKU:  "lunaria.monthly",
		YearlySKU:   "lunaria.yearly",
		PackageName: "com.lunaria.app",
	}, logger)
	defer eng.Close()

	eng.Start(ctx)
	logState(logger, "after start", eng.State())

	eng.PurchaseYearly(ctx)
	logState(logger, "after purchase", eng.State())

	eng.RestorePurchases(ctx)
	logState(logger, "after restore", eng.State())

	// Имитация продления, доставленного магазином самостоятельно.
	renewals := make(chan models.Purchase, 1)
	eng.WatchPurchaseUpdates(ctx, renewals)
	renewals <- models.Purchase{
		ProductID:     "lunaria.yearly",
		TransactionID: "1000000500",
	}
	close(renewals)
	time.Sleep(200 * time.Millisecond)
	logState(logger, "after renewal event", eng.State())

	diag := adapter.Diagnostics()
	logger.Info("store diagnostics",
		slog.Bool("connected", diag.Connected),
		slog.Int("connect_attempts", diag.ConnectAttempts),
		slog.Int("restore_steps", len(diag.RestoreTrail)))
}

func logState(logger *slog.Logger, label string, state engine.State) {
	logger.Info(label,
		slog.Bool("full_access", state.IsFullAccess),
		slog.Bool("grace", state.IsGrace),
		slog.String("grace_reason", state.GraceReason),
		slog.Any("err", state.Err))
}
