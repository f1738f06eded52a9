package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/storepulse/internal/api"
	"github.com/kalambet/storepulse/internal/assistant"
	"github.com/kalambet/storepulse/internal/bridge"
	"github.com/kalambet/storepulse/internal/clock"
	"github.com/kalambet/storepulse/internal/config"
	"github.com/kalambet/storepulse/internal/conversation"
	"github.com/kalambet/storepulse/internal/feature"
	"github.com/kalambet/storepulse/internal/kv"
	"github.com/kalambet/storepulse/internal/notify"
	"github.com/kalambet/storepulse/internal/poller"
	"github.com/kalambet/storepulse/internal/registry"
	"github.com/kalambet/storepulse/internal/session"
	"github.com/kalambet/storepulse/internal/storage"
	"github.com/kalambet/storepulse/internal/thread"
	"github.com/kalambet/storepulse/internal/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the storepulse server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServer(stdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storepulse server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return showStatus(cmd.Context(), cmd.OutOrStdout(), asJSON)
	},
}

func init() {
	startCmd.Flags().Bool("stdio", false, "also serve MCP over stdin/stdout")
	statusCmd.Flags().Bool("json", false, "print the session status as JSON")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storepulse.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// openKV picks the store that persists thread ids.
func openKV(spec string, store *storage.Store) (registry.KV, func() error, error) {
	noop := func() error { return nil }
	switch {
	case spec == "" || spec == "sqlite":
		return store, noop, nil
	case spec == "memory":
		return kv.NewMemory(), noop, nil
	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		r, err := kv.NewRedis(spec)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported storage.kv %q", spec)
}

func runServer(stdio bool) error {
	fmt.Fprintf(os.Stderr, "storepulse version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logs go to stderr so stdio MCP keeps stdout to itself.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("storepulse is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("storepulse is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	kvStore, closeKV, err := openKV(cfg.Storage.KV, store)
	if err != nil {
		return fmt.Errorf("opening thread store: %w", err)
	}
	defer closeKV()

	feed, err := notify.Open(cfg.Feed.URL)
	if err != nil {
		return fmt.Errorf("opening change feed: %w", err)
	}
	defer feed.Close()

	asst := assistant.New(cfg.Assistant.APIKey,
		assistant.WithBaseURL(cfg.Assistant.BaseURL),
		assistant.WithRateLimit(cfg.Assistant.RequestsPerSecond),
	)

	clk := clock.Real()
	log := conversation.New(asst, clk)
	policy := poller.DefaultPolicy()
	policy.Interval = cfg.Polling.Interval
	policy.MaxAttempts = cfg.Polling.MaxAttempts
	policy.IdleInterval = cfg.Polling.IdleInterval
	coord := poller.New(log, log, clk, policy)
	br := bridge.New(feed, coord, log, clk, cfg.Polling.InsertDelay)
	reg := registry.New(kvStore, cfg.Features.Defaults())
	ctrl := thread.New(asst, reg)

	sess := session.New(asst, ctrl, coord, br, log, session.SendPolicy{
		Interval: cfg.Polling.SendInterval,
		Timeout:  cfg.Polling.SendTimeout,
	})
	defer sess.Close()

	initial, err := feature.Parse(cfg.Features.Initial)
	if err != nil {
		return err
	}
	if err := sess.Open(ctx, initial); err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	worker := upload.NewWorker(store, upload.NewRecorder(store, feed), asst, reg, 500*time.Millisecond)

	appSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: api.NewAppHandler(api.AppDeps{Session: sess, Store: store, Token: apiToken}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Session: sess})
	mcpHTTP := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort),
		Handler: api.BearerAuth(apiToken)(server.NewStreamableHTTPServer(mcpSrv)),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "storepulse listening on %s\n", appSrv.Addr)
		return listen(appSrv)
	})
	g.Go(func() error {
		slog.Info("MCP server started (streamable HTTP)", "addr", mcpHTTP.Addr)
		return listen(mcpHTTP)
	})
	if stdio {
		g.Go(func() error {
			stdioSrv := server.NewStdioServer(mcpSrv)
			if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(appSrv.Shutdown(shutdownCtx), mcpHTTP.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("storepulse is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop storepulse (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to storepulse (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context, out io.Writer, asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d (MCP %d)", cfg.Server.Port, cfg.Server.MCPPort)

	st, err := fetchStatus(ctx, client)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, st)
	}
	printSessionStatus(st)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printSessionStatus(st statusView) {
	printStatus("Feature", "%s", st.Feature)
	printStatus("Thread", "%s", orNone(st.ThreadID))
	printStatus("Assistant", "%s", orNone(st.AssistantID))

	validity := colorize(colorGreen, "valid")
	if !st.IsValidThread {
		validity = colorize(colorRed, "invalid")
	}
	if st.Verification == "verifying" {
		validity = colorize(colorYellow, "verifying")
	}
	if st.Detail != "" {
		validity += " (" + st.Detail + ")"
	}
	printStatus("Thread status", "%s", validity)

	switch {
	case st.IsChecking:
		printStatus("Replies", "checking for new replies")
	case st.Processing:
		printStatus("Replies", "waiting for the analysis of an upload")
	}
	if st.LastFileUploadAt != "" {
		printStatus("Last upload", "%s", st.LastFileUploadAt)
	}
	if st.LastError != "" {
		printStatus("Last error", "%s", colorize(colorRed, st.LastError))
	}
}
