package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver"
	"github.com/amoylab/chatgate/internal/apiserver/codes"
	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/ratelimit"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/pkg/logger"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/amoylab/chatgate/pkg/trace"
	"github.com/amoylab/chatgate/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string

	inviteTier      string
	inviteMaxUses   int
	inviteExpiresIn time.Duration

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of apiserver",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "apiserver version %s\n", version.Get())
		},
	}

	inviteCmd = &cobra.Command{
		Use:   "invite",
		Short: "Manage invite codes",
	}

	inviteCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Mint an invite code without an administrator session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return createInvite(cmd)
		},
	}

	rootCmd = &cobra.Command{
		Use:   "apiserver",
		Short: "Chat gateway API server",
		Long:  `apiserver serves registration, quota-gated chat completions and administration for the chat gateway`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "apiserver.yaml", "path to configuration file")
	inviteCreateCmd.Flags().StringVar(&inviteTier, "tier", string(database.TierUser), "tier granted by the code (admin or user)")
	inviteCreateCmd.Flags().IntVar(&inviteMaxUses, "max-uses", 1, "number of registrations the code allows")
	inviteCreateCmd.Flags().DurationVar(&inviteExpiresIn, "expires-in", 0, "lifetime of the code, 0 for no expiry")
	inviteCmd.AddCommand(inviteCreateCmd)
	rootCmd.AddCommand(versionCmd, inviteCmd)
}

func loadConfig() (*config.APIServerConfig, *zap.Logger, error) {
	cfg, path, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration %s: %w", path, err)
	}
	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(lg)
	lg.Info("loaded configuration", zap.String("path", path), zap.String("mode", cfg.Mode))
	return cfg, lg, nil
}

func run() error {
	cfg, lg, err := loadConfig()
	if err != nil {
		return err
	}
	defer lg.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := trace.Init(context.Background(), cfg.Tracing, lg)
	if err != nil {
		lg.Error("failed to initialize tracing", zap.Error(err))
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			lg.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		lg.Error("failed to initialize database", zap.String("type", cfg.Database.Type), zap.Error(err))
		return err
	}
	defer db.Close()

	rdb := ratelimit.NewRedisClient(cfg.RateLimit.Redis)
	if rdb != nil {
		defer rdb.Close()
	}

	srv, err := apiserver.New(apiserver.Deps{
		Config:  cfg,
		DB:      db,
		Logger:  lg,
		Metrics: metrics.New(cfg.Metrics),
		Redis:   rdb,
	})
	if err != nil {
		lg.Error("failed to assemble server", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Accounts.EnsureSuperAdmin(ctx, cfg.SuperAdmin); err != nil {
		lg.Error("failed to bootstrap super admin", zap.Error(err))
		return err
	}

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("starting apiserver", zap.String("version", version.Get()), zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			lg.Error("server stopped", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	lg.Info("shutting down apiserver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
		return err
	}
	return nil
}

func createInvite(cmd *cobra.Command) error {
	cfg, lg, err := loadConfig()
	if err != nil {
		return err
	}
	defer lg.Sync()

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := apiserver.New(apiserver.Deps{Config: cfg, DB: db, Logger: lg})
	if err != nil {
		return err
	}
	return mintInvite(cmd, srv.Codes)
}

// mintInvite creates a code with no creator, which is how the first
// administrator is bootstrapped when no super admin is configured.
func mintInvite(cmd *cobra.Command, svc *codes.Service) error {
	params := codes.CreateInviteParams{
		Tier:    database.InviteTier(inviteTier),
		MaxUses: inviteMaxUses,
	}
	if inviteExpiresIn > 0 {
		at := time.Now().Add(inviteExpiresIn).UTC()
		params.ExpiresAt = &at
	}
	ic, err := svc.CreateInviteCode(cmd.Context(), nil, params)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", ic.Code)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
