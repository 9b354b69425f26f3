package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arteranos/loader/internal/config"
	"github.com/arteranos/loader/internal/loader"
	"github.com/arteranos/loader/internal/progress"
	"github.com/arteranos/loader/internal/utils"
	"github.com/arteranos/loader/internal/version"
)

const configFileName = "loader.json"

var rootCmd = &cobra.Command{
	Use:     "arteranos-loader [flags] [-- app args...]",
	Short:   "Keeps Arteranos up to date and starts it",
	Version: version.Detailed(),
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.ExtraArgs = args
		if err := cfg.Validate(); err != nil {
			return err
		}
		cmd.SilenceUsage = true

		paths := config.NewPaths(cfg)
		if err := utils.EnsureDir(paths.ProgDataDir); err != nil {
			return err
		}

		interactive := !cfg.Quiet && isatty.IsTerminal(os.Stdout.Fd())
		closeLog, err := setupLogging(paths.LogFile, !interactive)
		if err != nil {
			return err
		}
		defer closeLog()

		slog.Info("arteranos loader", "version", version.Short(), "config", cfg.Path, "data_dir", cfg.DataDir)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var reporter progress.Reporter = progress.NewLog()
		var tui *progress.TUI
		if interactive {
			tui = progress.NewTUI(version.AppName, cancel)
			tui.Start()
			reporter = tui
		}

		err = loader.New(cfg, paths, loader.DefaultDeps(paths, reporter)).Run(ctx)
		if tui != nil {
			tui.Finish(err)
		}
		return err
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().BoolP("quiet", "q", false, "No progress display, log to the console")
	rootCmd.Flags().Bool("server", false, "Install and start the dedicated server")
	rootCmd.Flags().Bool("skip-startup", false, "Update only, do not start the application")
	rootCmd.Flags().Bool("skip-update", false, "Start the installed application without updating")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir(), "Program data directory")
	rootCmd.Flags().Int("workers", config.DefaultWorkers, "Parallel hashing and download workers")
	rootCmd.Flags().Bool("verify", false, "Re-hash downloaded files before installing them")
	rootCmd.Flags().String("manifest-source", config.ManifestFileList, "Remote tree source: filelist or walk")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Loader config file (default <datadir>/"+configFileName+")")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setupLogging sends records to the log file and, when console is set, to
// stdout as well. The returned func closes the file.
func setupLogging(logFile string, console bool) (func(), error) {
	if err := utils.EnsureParent(logFile); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewTextHandler(utils.NewLogInterceptor(file), &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	handlers := []slog.Handler{fileHandler}
	if console {
		handlers = append(handlers, newConsoleHandler(os.Stdout))
	}
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))

	return func() { file.Close() }, nil
}

func newConsoleHandler(w io.Writer) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	viper.BindPFlag("data_dir", flags.Lookup("datadir"))
	viper.BindPFlag("quiet", flags.Lookup("quiet"))
	viper.BindPFlag("server", flags.Lookup("server"))
	viper.BindPFlag("skip_startup", flags.Lookup("skip-startup"))
	viper.BindPFlag("skip_update", flags.Lookup("skip-update"))
	viper.BindPFlag("workers", flags.Lookup("workers"))
	viper.BindPFlag("verify_downloads", flags.Lookup("verify"))
	viper.BindPFlag("manifest_source", flags.Lookup("manifest-source"))

	viper.SetDefault("api_attempts", config.DefaultAPIAttempts)
	viper.SetDefault("fallback_attempts", config.DefaultFallbackAttempts)
	viper.SetDefault("warmup", config.DefaultWarmup)

	viper.SetEnvPrefix("ARTERANOS")
	viper.AutomaticEnv()

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	// .env in the data dir seeds the environment without overriding it
	envFile := filepath.Join(dataDir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	configFile := filepath.Join(dataDir, configFileName)
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		if configFile, err = utils.ResolvePath(f.Value.String()); err != nil {
			return nil, fmt.Errorf("config path: %w", err)
		}
	}
	viper.SetConfigFile(configFile)
	viper.SetConfigType("json")
	usedFile := configFile
	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configFile, err)
		}
		usedFile = ""
	}

	// .env and the config file may both move the data dir
	if dataDir, err = resolveDataDir(); err != nil {
		return nil, err
	}

	return &config.Config{
		Path:             usedFile,
		DataDir:          dataDir,
		Server:           viper.GetBool("server"),
		Quiet:            viper.GetBool("quiet"),
		SkipStartup:      viper.GetBool("skip_startup"),
		SkipUpdate:       viper.GetBool("skip_update"),
		Workers:          viper.GetInt("workers"),
		VerifyDownloads:  viper.GetBool("verify_downloads"),
		ManifestSource:   viper.GetString("manifest_source"),
		Ignore:           viper.GetStringSlice("ignore"),
		APIAttempts:      viper.GetInt("api_attempts"),
		FallbackAttempts: viper.GetInt("fallback_attempts"),
		Warmup:           viper.GetDuration("warmup"),
	}, nil
}

// resolveDataDir expands `~` in the configured data dir. Empty stays empty and
// is rejected by Config.Validate.
func resolveDataDir() (string, error) {
	dir := viper.GetString("data_dir")
	if dir == "" {
		return "", nil
	}
	resolved, err := utils.ResolvePath(dir)
	if err != nil {
		return "", fmt.Errorf("data dir: %w", err)
	}
	return resolved, nil
}
