// Command swiftcast runs the local Messages API proxy and manages its
// accounts, sessions and usage records.
//
// Usage:
//
//	swiftcast serve
//	swiftcast account add work --api-key sk-... --base-url https://api.example.com
//	swiftcast account switch work
//	swiftcast usage --by model
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/swiftcast-app/swiftcast/pkg/config"
	"github.com/swiftcast-app/swiftcast/pkg/logger"
	"github.com/swiftcast-app/swiftcast/pkg/proxy"
	"github.com/swiftcast-app/swiftcast/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the proxy server."`
	Account  AccountCmd  `cmd:"" help:"Manage provider accounts."`
	Usage    UsageCmd    `cmd:"" help:"Show usage statistics."`
	Sessions SessionsCmd `cmd:"" help:"List sessions active in the last 24 hours."`
	Cleanup  CleanupCmd  `cmd:"" help:"Delete old sessions and usage records."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

func (cli *CLI) load() (*config.Config, error) {
	return config.Load(cli.Config)
}

func (cli *CLI) openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := cli.load()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DataDir, slog.Default())
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("swiftcast version %s\n", version)
	return nil
}

// ServeCmd starts the proxy server and blocks until interrupted.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}

	st, err := store.Open(ctx, cfg.DataDir, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	srv, err := proxy.New(ctx, cfg, st, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to assemble proxy: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("swiftcast proxy ready on http://%s\n", srv.Addr())
	fmt.Printf("   Health:  http://%s/_swiftcast/health\n", srv.Addr())
	fmt.Printf("   Metrics: http://%s/_swiftcast/metrics\n", srv.Addr())
	fmt.Println("\nPress Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down, waiting for in-flight requests")
	cancel()

	// In-flight streams are allowed to run out their upstream timeout.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 310*time.Second)
	defer stopCancel()
	return srv.Stop(stopCtx)
}

// AccountCmd groups account management subcommands.
type AccountCmd struct {
	Add    AccountAddCmd    `cmd:"" help:"Add a provider account."`
	List   AccountListCmd   `cmd:"" help:"List accounts."`
	Switch AccountSwitchCmd `cmd:"" help:"Make an account the active one."`
	Remove AccountRemoveCmd `cmd:"" help:"Remove an account and its data."`
}

type AccountAddCmd struct {
	Name    string `arg:"" help:"Account name."`
	APIKey  string `name:"api-key" help:"API key stored in the local vault." required:""`
	BaseURL string `name:"base-url" help:"Upstream base URL." default:"https://api.anthropic.com"`
}

func (c *AccountAddCmd) Run(cli *CLI) error {
	st, err := cli.openStore(context.Background())
	if err != nil {
		return err
	}
	defer st.Close()

	acct := store.NewAccount(c.Name, c.BaseURL)
	if err := st.CreateAccount(context.Background(), acct, c.APIKey); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	fmt.Printf("Added account %q (%s)\n", acct.Name, acct.ID)
	return nil
}

type AccountListCmd struct{}

func (c *AccountListCmd) Run(cli *CLI) error {
	st, err := cli.openStore(context.Background())
	if err != nil {
		return err
	}
	defer st.Close()

	accounts, err := st.GetAccounts(context.Background())
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts configured. Add one with: swiftcast account add")
		return nil
	}
	for _, a := range accounts {
		marker := " "
		if a.IsActive {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s  %s\n", marker, a.Name, a.ID, a.BaseURL)
	}
	return nil
}

type AccountSwitchCmd struct {
	Name string `arg:"" help:"Account name or id."`
}

func (c *AccountSwitchCmd) Run(cli *CLI) error {
	st, err := cli.openStore(context.Background())
	if err != nil {
		return err
	}
	defer st.Close()

	acct, err := findAccount(context.Background(), st, c.Name)
	if err != nil {
		return err
	}
	if err := st.SwitchAccount(context.Background(), acct.ID); err != nil {
		return fmt.Errorf("failed to switch account: %w", err)
	}
	fmt.Printf("Active account is now %q\n", acct.Name)
	return nil
}

type AccountRemoveCmd struct {
	Name string `arg:"" help:"Account name or id."`
}

func (c *AccountRemoveCmd) Run(cli *CLI) error {
	st, err := cli.openStore(context.Background())
	if err != nil {
		return err
	}
	defer st.Close()

	acct, err := findAccount(context.Background(), st, c.Name)
	if err != nil {
		return err
	}
	if err := st.DeleteAccount(context.Background(), acct.ID); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	fmt.Printf("Removed account %q\n", acct.Name)
	return nil
}

func findAccount(ctx context.Context, st *store.Store, nameOrID string) (*store.Account, error) {
	accounts, err := st.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Name == nameOrID || accounts[i].ID == nameOrID {
			return &accounts[i], nil
		}
	}
	return nil, fmt.Errorf("no account named %q", nameOrID)
}

// UsageCmd prints usage totals, optionally grouped or as a recent log.
type UsageCmd struct {
	By     string `help:"Group by: account, model, session, day." enum:",account,model,session,day" default:""`
	Recent int    `help:"Show the N most recent entries instead of totals." default:"0"`
}

func (c *UsageCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if c.Recent > 0 {
		entries, err := st.GetRecentUsage(ctx, c.Recent)
		if err != nil {
			return err
		}
		for _, e := range entries {
			session := "-"
			if e.SessionID != nil {
				session = *e.SessionID
			}
			fmt.Printf("%s  %-30s in=%-8d out=%-8d status=%d session=%s\n",
				time.Unix(e.Timestamp, 0).Format(time.RFC3339), e.Model,
				e.InputTokens, e.OutputTokens, e.StatusCode, session)
		}
		return nil
	}

	if c.By != "" {
		var buckets []store.UsageBucket
		switch c.By {
		case "account":
			buckets, err = st.GetUsageByAccount(ctx)
		case "model":
			buckets, err = st.GetUsageByModel(ctx)
		case "session":
			buckets, err = st.GetUsageBySession(ctx)
		case "day":
			buckets, err = st.GetUsageByDay(ctx)
		}
		if err != nil {
			return err
		}
		for _, b := range buckets {
			fmt.Printf("%-40s requests=%-6d in=%-10d out=%d\n",
				b.Key, b.RequestCount, b.InputTokens, b.OutputTokens)
		}
		return nil
	}

	stats, err := st.GetUsageStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Requests:      %d\n", stats.RequestCount)
	fmt.Printf("Input tokens:  %d\n", stats.InputTokens)
	fmt.Printf("Output tokens: %d\n", stats.OutputTokens)
	return nil
}

// SessionsCmd lists sessions with activity in the last 24 hours.
type SessionsCmd struct{}

func (c *SessionsCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.GetActiveSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No active sessions")
		return nil
	}
	for _, s := range sessions {
		last := "-"
		if s.LastMessage != nil {
			last = *s.LastMessage
		}
		fmt.Printf("%-40s account=%-15s requests=%-5d in=%-8d out=%-8d %s\n",
			s.SessionID, s.AccountName, s.RequestCount,
			s.TotalInputTokens, s.TotalOutputTokens, last)
	}
	return nil
}

// CleanupCmd prunes sessions and usage entries older than the cutoff.
type CleanupCmd struct {
	Days int `help:"Delete records older than this many days." default:"30"`
}

func (c *CleanupCmd) Run(cli *CLI) error {
	ctx := context.Background()
	st, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, usage, err := st.ManualCleanup(ctx, c.Days)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d sessions and %d usage entries older than %d days\n",
		sessions, usage, c.Days)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("swiftcast"),
		kong.Description("Local reverse proxy for Anthropic-style Messages API traffic."),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, cleanup, err := logger.Init(logger.Options{
		Level: level,
		File:  cli.LogFile,
		JSON:  strings.HasSuffix(cli.LogFile, ".json") || strings.HasSuffix(cli.LogFile, ".jsonl"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
