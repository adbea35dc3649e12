package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/spiritnet/gledger/internal/audit"
	"github.com/spiritnet/gledger/internal/config"
	"github.com/spiritnet/gledger/internal/database"
	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/ledger"
	mW "github.com/spiritnet/gledger/internal/middleware"
	"github.com/spiritnet/gledger/internal/models"
	"github.com/spiritnet/gledger/internal/policy"
	"github.com/spiritnet/gledger/internal/services"
	"github.com/spiritnet/gledger/internal/store"
	"github.com/spiritnet/gledger/internal/vault"
)

func main() {
	config.Init()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	db, err := database.Connect(log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient := database.ConnectRedis(log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	keyVault, err := vault.Open(vault.Config{
		MasterKey:    viper.GetString("vault.master_key"),
		Salt:         []byte(viper.GetString("vault.salt")),
		KeyStorePath: viper.GetString("vault.key_store_path"),
	})
	if err != nil {
		log.Fatalf("Failed to open key vault: %v", err)
	}

	auditStore := audit.NewStore(db, log)
	accounts := store.New(db)

	policyEngine := policy.NewEngine(log, config.PolicyCacheTTL())
	policyPath := viper.GetString("policy.file")
	if loaded, err := policy.LoadFile(policyPath); err != nil {
		log.WithError(err).Warn("No policy file loaded; all operations will be denied")
	} else {
		policyEngine.SetPolicies(loaded)
		if err := policy.Watch(policyPath, policyEngine, log); err != nil {
			log.WithError(err).Warn("Policy hot-reload unavailable")
		}
	}

	velocity := policy.NewVelocityTracker(redisClient, time.Hour, log)

	var revoker identity.TokenRevoker
	if redisClient != nil {
		revoker = identity.NewRedisRevoker(redisClient)
	}
	identityEngine := identity.NewEngine(keyVault, keyVault, revoker, identity.Config{
		DefaultEphemeralTTL: config.EphemeralTTL(),
		JWTSecret:           []byte(viper.GetString("jwt.secret_key")),
	}, log)

	ledgerEngine := ledger.NewEngine(accounts, policyEngine, velocity, auditStore, ledger.Config{
		EnforceDoubleEntry:   viper.GetBool("ledger.enforce_double_entry"),
		VelocityLimitPerHour: viper.GetInt("policy.velocity_limit_per_hour"),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ledgerEngine.EnsureSystemAccounts(ctx); err != nil {
		log.Fatalf("Failed to create system accounts: %v", err)
	}

	go identityEngine.RunCleanup(ctx, time.Minute)
	go ledgerEngine.RunMaintenance(ctx, 15*time.Second)

	ledgerService := services.NewLedgerService(ledgerEngine, accounts, log)
	identityService := services.NewIdentityService(identityEngine, auditStore, log)
	adminService := services.NewAdminService(policyEngine, auditStore, policyPath, log)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/identity/ephemeral", identityService.CreateEphemeral)
		r.Post("/identity/tokens", identityService.IssueToken)
		r.Post("/identity/delegations/verify", identityService.VerifyDelegation)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(identityEngine))

			r.Post("/identity/delegations", identityService.CreateDelegation)
			r.Post("/identity/tokens/revoke", identityService.RevokeToken)

			r.Post("/ledger/accounts", ledgerService.CreateAccount)
			r.Post("/ledger/transfer", ledgerService.Transfer)
			r.Post("/ledger/mint", ledgerService.Mint)
			r.Post("/ledger/burn-for-mint", ledgerService.BurnForMint)
			r.Post("/ledger/stake", ledgerService.Stake)
			r.Post("/ledger/unstake", ledgerService.Unstake)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequirePermission(models.PermReadLedger))
				r.Get("/ledger/balance", ledgerService.GetBalance)
				r.Get("/ledger/balances", ledgerService.GetAllBalances)
				r.Get("/ledger/history", ledgerService.GetHistory)
				r.Get("/ledger/operations/pending", ledgerService.PendingOperations)
			})

			r.Post("/ledger/operations/{opID}/approve", ledgerService.ApproveOperation)
			r.Post("/ledger/operations/{opID}/cancel", ledgerService.CancelOperation)

			r.Post("/admin/policies/reload", adminService.ReloadPolicies)
			r.Get("/admin/audit", adminService.RecentAudit)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()

	log.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}
