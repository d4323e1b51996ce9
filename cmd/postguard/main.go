package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/developingchet/postguard/internal/ban"
	"github.com/developingchet/postguard/internal/config"
	"github.com/developingchet/postguard/internal/guard"
	"github.com/developingchet/postguard/internal/logger"
	"github.com/developingchet/postguard/internal/metrics"
	"github.com/developingchet/postguard/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// runtimeGuard is the subset of *guard.Guard used by the serve command.
type runtimeGuard interface {
	Run(ctx context.Context) error
	Close()
}

// Seams replaced in tests.
var (
	loadConfig       = config.Load
	registerMetrics  = metrics.Register
	newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	}
	newRuntime = func(cfg *config.Config) (runtimeGuard, error) {
		return guard.New(cfg, guard.Options{UserAgent: "postguard/" + version})
	}
	openBanStore = defaultOpenBanStore
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// newRootCmd builds and returns the root cobra command. Extracted from main so
// that tests can invoke it directly without spawning a subprocess.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postguard",
		Short: "Admission control for anonymous content submissions",
		Long: `postguard evaluates every new thread and reply against rate limits,
flood protection, the ban list, anonymizer reputation lists, content
heuristics and an optional captcha before handing it to the content store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service (same as running without a subcommand)",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Query /readyz on the running instance (for Docker HEALTHCHECK)",
		RunE:  runHealthcheck,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "postguard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	rootCmd.AddCommand(newBanCmd())
	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging(cfg.LogLevel, cfg.LogFormat)

	registerMetrics()

	ctx, cancel := newSignalContext(context.Background())
	defer cancel()

	g, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("guard init: %w", err)
	}
	defer g.Close()

	return g.Run(ctx)
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging("error", cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The serving process holds the state DB lock, so readiness is asked
	// over HTTP instead of reopening the stores.
	url := readyURL(cfg.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: %s returned %d", url, resp.StatusCode)
	}
	return nil
}

// readyURL maps a listen address to a loopback /readyz URL. Wildcard hosts
// (":8080", "0.0.0.0:8080", "[::]:8080") are dialled on 127.0.0.1.
func readyURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr + "/readyz"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/readyz"
}

func newBanCmd() *cobra.Command {
	banCmd := &cobra.Command{
		Use:   "ban",
		Short: "Manage the fingerprint ban list",
	}

	var reason string
	var duration time.Duration
	addCmd := &cobra.Command{
		Use:   "add <fingerprint>",
		Short: "Ban a client fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *ban.Registry) error {
				e, err := r.Ban(ctx, args[0], reason, duration)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "banned %s (id %s, expires %s)\n", e.Fingerprint, e.ID, expiry(e))
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&reason, "reason", "", "reason shown to the banned client")
	addCmd.Flags().DurationVar(&duration, "for", 0, "ban duration (0 = permanent)")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Lift a ban by its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *ban.Registry) error {
				if err := r.Unban(ctx, args[0]); err != nil {
					if errors.Is(err, ban.ErrNotFound) {
						return fmt.Errorf("no ban with id %s", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *ban.Registry) error {
				entries, err := r.Active(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tFINGERPRINT\tREASON\tBANNED\tEXPIRES")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.Fingerprint, e.DisplayReason(), e.BannedAt.Format(time.RFC3339), expiry(e))
				}
				return tw.Flush()
			})
		},
	}

	banCmd.AddCommand(addCmd, removeCmd, listCmd)
	return banCmd
}

// withRegistry opens the configured ban source for one CLI operation. With
// the bolt backend the service must not be running, since it holds the
// database lock.
func withRegistry(fn func(ctx context.Context, r *ban.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	initLogging("error", cfg.LogFormat)

	store, err := openBanStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, ban.NewRegistry(store, cfg.BanLookupTimeout, nil))
}

func defaultOpenBanStore(cfg *config.Config) (storage.BanStore, error) {
	if cfg.BanBackend == config.BanBackendRedis {
		return storage.DialRedis(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return storage.Open(filepath.Join(cfg.DataDir, guard.StateFile))
}

func expiry(e ban.Entry) string {
	if e.ExpiresAt == nil {
		return "never"
	}
	return e.ExpiresAt.Format(time.RFC3339)
}

func initLogging(level string, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	redacted := logger.NewRedactWriter(os.Stderr)
	if format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: redacted})
	} else {
		log.Logger = zerolog.New(redacted).With().Timestamp().Logger()
	}

	// go-cs-bouncer logs through logrus.
	logrus.SetOutput(io.Discard)

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
