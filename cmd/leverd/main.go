package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openlev/leverd/params"
	"github.com/openlev/leverd/pkg/api"
	"github.com/openlev/leverd/pkg/bank"
	"github.com/openlev/leverd/pkg/engine"
	"github.com/openlev/leverd/pkg/storage"
	"github.com/openlev/leverd/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	adminHex := os.Getenv("ADMIN_ADDRESS")
	if !common.IsHexAddress(adminHex) {
		sugar.Fatalw("admin_address_required", "got", adminHex)
	}
	admin := common.HexToAddress(adminHex)

	// ---- Persistence ----
	var (
		store      engine.Store
		vaultStore bank.BalanceStore
	)
	if cfg.Node.DBPath != "" {
		ps, err := storage.NewPebbleStore(cfg.Node.DBPath)
		if err != nil {
			sugar.Fatalw("storage_init_failed", "path", cfg.Node.DBPath, "err", err)
		}
		defer ps.Close()
		store = ps
		vaultStore = ps
		sugar.Infow("storage_opened", "path", cfg.Node.DBPath)
	} else {
		sugar.Warn("running memory-only, no persistence")
	}

	// ---- Vault & Engine ----
	vault, err := bank.NewVault(vaultStore, sugar)
	if err != nil {
		sugar.Fatalw("vault_init_failed", "err", err)
	}

	eng, err := engine.New(cfg.Engine, admin, vault, store, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// Bootstrap role grants from env (comma-separated addresses)
	grantRoles(sugar, eng, admin, os.Getenv("ORACLE_SIGNERS"), engine.RoleOracleSigner)
	grantRoles(sugar, eng, admin, os.Getenv("RELAYERS"), engine.RoleRelayer)

	// ---- API Server ----
	server := api.NewServer(eng, vault, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(cfg.Node.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("leverd_started",
		"listen", cfg.Node.ListenAddr,
		"chain_id", cfg.Engine.ChainID,
		"trading_fee_bps", cfg.Engine.TradingFeeBps,
		"liquidation_fee_bps", cfg.Engine.LiquidationFeeBps)

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("shutdown_failed", "err", err)
	}
}

func grantRoles(sugar *zap.SugaredLogger, eng *engine.Engine, admin common.Address, list string, role engine.Role) {
	if list == "" {
		return
	}
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if !common.IsHexAddress(s) {
			sugar.Fatalw("invalid_role_address", "addr", s, "role", role.String())
		}
		if err := eng.GrantRole(admin, common.HexToAddress(s), role); err != nil {
			sugar.Fatalw("role_grant_failed", "addr", s, "role", role.String(), "err", err)
		}
	}
}
