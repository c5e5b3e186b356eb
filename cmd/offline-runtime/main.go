package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	offlineruntime "github.com/always-cache/offline-runtime"
	"github.com/always-cache/offline-runtime/session"
)

var (
	// CLI flags
	verbosityDebugFlag bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "offline-runtime",
	Short: "Offline caching proxy and session runtime for the printer dashboard.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	SilenceUsage: true,
}

func init() {
	if version == "" {
		version = "DEV"
	}
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	pf.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	pf.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	rootCmd.AddCommand(newServeCmd(), newSweepCmd(), newSessionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() error {
	logLevel := zerolog.InfoLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	} else if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()
	return nil
}

type configFlags struct {
	config   string
	origin   string
	listen   string
	provider string
	db       string
	redis    string
}

func (f *configFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.config, "config", "c", "", "Path to config file")
	fs.StringVar(&f.origin, "origin", "", "Origin URL to proxy to (overrides config)")
	fs.StringVar(&f.listen, "listen", "", "Address to listen on (overrides config)")
	fs.StringVar(&f.provider, "provider", "", "Cache provider: memory, sqlite or redis (overrides config)")
	fs.StringVar(&f.db, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	fs.StringVar(&f.redis, "redis", "", "Redis address for the redis provider")
}

// load reads the config file, if any, and applies the flag overrides.
func (f *configFlags) load() (offlineruntime.Config, error) {
	var config offlineruntime.Config
	if f.config != "" {
		var err error
		if config, err = offlineruntime.LoadConfig(f.config); err != nil {
			return config, err
		}
	}
	if f.origin != "" {
		config.Origin = f.origin
	}
	if f.listen != "" {
		config.Listen = f.listen
	}
	if f.provider != "" {
		config.Provider = f.provider
	}
	if f.db != "" {
		config.DB = f.db
	}
	if f.redis != "" {
		config.Redis.Addr = f.redis
	}
	config.ApplyDefaults()
	config.Logger = &log.Logger
	return config, nil
}

func newServeCmd() *cobra.Command {
	f := new(configFlags)
	cmd := &cobra.Command{
		Use:   "serve [-c config_file]",
		Short: "Run the proxy and the runtime endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load()
			if err != nil {
				return err
			}
			rt, err := offlineruntime.New(config)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := rt.Start(ctx); err != nil {
				return err
			}

			server := &http.Server{Addr: config.Listen, Handler: rt.Handler()}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()
			log.Info().Msgf("Proxying %s to %s", config.Listen, config.Origin)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		DisableFlagsInUseLine: true,
	}
	f.register(cmd)
	return cmd
}

func newSweepCmd() *cobra.Command {
	f := new(configFlags)
	cmd := &cobra.Command{
		Use:   "sweep [-c config_file]",
		Short: "Delete expired entries from the API store once and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load()
			if err != nil {
				return err
			}
			provider, err := offlineruntime.OpenProvider(config)
			if err != nil {
				return err
			}
			defer provider.Close()
			sweeper := offlineruntime.Sweeper{
				Cache:  provider,
				Store:  config.APIStore(),
				MaxAge: config.Sweep.MaxAge,
				Logger: &log.Logger,
			}
			n := sweeper.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries deleted from %s\n", n, config.APIStore())
			return nil
		},
		DisableFlagsInUseLine: true,
	}
	f.register(cmd)
	return cmd
}

func newSessionCmd() *cobra.Command {
	var (
		origin      string
		deviceToken string
		redisAddr   string
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the session of an origin.",
	}
	checkCmd := &cobra.Command{
		Use:   "check --origin url",
		Short: "Check the session and refresh it if the origin rejects it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if origin == "" {
				return offlineruntime.ErrNoOrigin
			}
			jar, err := cookiejar.New(nil)
			if err != nil {
				return err
			}
			lock, closeLock, err := refreshLock(redisAddr)
			if err != nil {
				return err
			}
			defer closeLock()
			m, err := session.NewManager(session.Config{
				BaseURL:     origin,
				Client:      &http.Client{Jar: jar, Timeout: 10 * time.Second},
				ContextID:   "cli",
				Lock:        lock,
				DeviceToken: deviceToken,
				Installed:   true,
				Logger:      &log.Logger,
			})
			if err != nil {
				return err
			}
			if !m.Restore(cmd.Context()) {
				return fmt.Errorf("session invalid (%s)", m.State())
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session valid")
			return nil
		},
	}
	checkCmd.Flags().StringVar(&origin, "origin", "", "Origin URL")
	checkCmd.Flags().StringVar(&deviceToken, "device-token", "", "Device token to authenticate with")
	checkCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address of the refresh lock shared with other runtimes")
	cmd.AddCommand(checkCmd)
	return cmd
}

// refreshLock returns the redis lock at addr, or nil for the process-local lock.
func refreshLock(addr string) (session.RefreshLock, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	lock, err := session.NewRedisLock(session.RedisLockOpts{Client: client})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return lock, func() { client.Close() }, nil
}
