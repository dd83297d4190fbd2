package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pinforge/internal/config"
	"github.com/3leaps/pinforge/internal/observability"
	"github.com/3leaps/pinforge/internal/server"
	"github.com/3leaps/pinforge/internal/server/handlers"
	"github.com/3leaps/pinforge/pkg/pipeline"
	"github.com/3leaps/pinforge/pkg/provider/file"
	"github.com/3leaps/pinforge/pkg/render"
	"github.com/3leaps/pinforge/pkg/uploader"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pinforge HTTP server",
	Long: `Run the HTTP server: render endpoints, the campaign API, health
probes, and locally stored asset serving.

Example:
  pinforge serve
  pinforge serve --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	overrides := map[string]any{}
	if serveHost != "" || servePort != 0 {
		srvOverride := map[string]any{}
		if serveHost != "" {
			srvOverride["host"] = serveHost
		}
		if servePort != 0 {
			srvOverride["port"] = servePort
		}
		overrides["server"] = srvOverride
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger := observability.InitServerLogger(cfg.Logging.Level, cfg.Logging.Profile)
	defer observability.Sync()

	handlers.SetBuildInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)

	identity := GetAppIdentity()
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	if identity != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
	}

	publicBaseURL := cfg.Storage.PublicBaseURL
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("http://%s:%d/assets", cfg.Server.Host, cfg.Server.Port)
	}
	store, err := file.New(file.Config{
		BaseDir:       cfg.Storage.AssetsDir,
		PublicBaseURL: publicBaseURL,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open asset storage", err)
	}
	defer func() { _ = store.Close() }()

	up, err := uploader.New(store)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create uploader", err)
	}

	renders, err := handlers.NewRenderService(handlers.RenderServiceConfig{
		Concurrency: cfg.Workers,
		Encode:      render.EncodeOptions{Format: "jpeg", Quality: render.DefaultJPEGQuality},
		Uploader:    up,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create render service", err)
	}
	defer func() { _ = renders.Close() }()

	dataDir := cfg.Storage.DataDir
	if dataDir == "" && identity != nil {
		dataDir = gfconfig.GetAppDataDir(identity.ConfigName)
	}
	campaigns := handlers.NewCampaignService(pipeline.Options{
		DataDir: dataDir,
		Logger:  logger,
	}, logger)
	defer func() { _ = campaigns.Close() }()

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
		server.WithCampaignService(campaigns),
		server.WithRenderService(renders),
		server.WithAssetGetter(store),
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Server listening",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("assets_dir", cfg.Storage.AssetsDir),
		zap.String("data_dir", dataDir))

	if err := srv.Start(runCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}

// signalHealthChecker reports signal handling readiness. The serve loop
// installs its handlers before the server starts, so this is always healthy;
// it exists so the probe lists the subsystem.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the app identity is fully populated, which
// config discovery and data-dir resolution depend on.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	var missing []string
	if c.binaryName == "" {
		missing = append(missing, "missing binary name")
	}
	if c.envPrefix == "" {
		missing = append(missing, "missing env prefix")
	}
	if c.configName == "" {
		missing = append(missing, "missing config name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("app identity incomplete: %s", strings.Join(missing, ", "))
	}
	return nil
}
