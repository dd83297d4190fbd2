// Package cmd implements the pinforge CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/pinforge/internal/observability"
)

// AppIdentity fixes the names the application is discovered under: binary
// name, environment variable prefix, and config file base name.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the CLI's identity, or nil before initialization.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// versionInfo holds build metadata injected by the linker.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootLogLevel string
	rootVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "pinforge",
	Short: "Batch pin image generation from CSV datasets and templates",
	Long: `pinforge renders a template image per CSV row, in batches, with
pause/resume and crash recovery. Campaigns are described by a YAML or JSON
manifest; generated pins are stored locally or in S3.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(rootLogLevel, rootVerbose)
	},
}

func init() {
	appIdentity = &AppIdentity{
		BinaryName: "pinforge",
		EnvPrefix:  "PINFORGE",
		ConfigName: "pinforge",
	}

	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Verbose output")

	setDefaults()
}

// setDefaults seeds the global viper instance so commands reading settings
// before config.Load see sane values.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("health.enabled", true)
	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
	viper.SetDefault("workers", 4)
}

// exitCodePattern extracts the code baked into exitError messages.
var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code
		}
	}
	return 1
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
