package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/store/pg"
	"github.com/nextlevelbuilder/wabridge/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and downstream service health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("wabridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Database:")
	driver := cfg.Database.ResolvedDriver()
	fmt.Printf("    %-12s %s\n", "Driver:", driver)
	if driver == "postgres" {
		checkPostgres(ctx, cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s %s (migrated on start)\n", "Path:", config.ExpandHome(cfg.Database.SQLitePath))
	}

	fmt.Println()
	fmt.Println("  Channel:")
	fmt.Printf("    %-12s %s\n", "Type:", cfg.Channel.Type)
	if cfg.Channel.Type == "cloud" {
		fmt.Printf("    %-12s %s\n", "Phone ID:", cfg.Channel.Cloud.PhoneNumberID)
		fmt.Printf("    %-12s %s\n", "Token:", maskSecret(cfg.Channel.Cloud.AccessToken))
		fmt.Printf("    %-12s %s\n", "Webhook:", cfg.Channel.Cloud.WebhookPath)
	} else {
		fmt.Printf("    %-12s %s\n", "Bridge:", cfg.Channel.Bridge.URL)
	}

	fmt.Println()
	fmt.Println("  Services:")
	client := &http.Client{Timeout: cfg.HTTPTimeout()}
	checkService(ctx, client, "Identity", cfg.Services.IdentityURL)
	checkService(ctx, client, "Conversation", cfg.Services.ConversationURL)
	checkService(ctx, client, "Webhook base", cfg.Services.WebhookBaseURL)

	fmt.Println()
	fmt.Println("  Pipeline:")
	fmt.Printf("    %-12s %d\n", "Concurrency:", cfg.Pipeline.MaxConcurrent)
	if groups := cfg.AllowedGroups(); len(groups) > 0 {
		fmt.Printf("    %-12s %s\n", "Groups:", strings.Join(groups, ", "))
	} else {
		fmt.Printf("    %-12s (none, group messages are dropped)\n", "Groups:")
	}

	fmt.Println()
	fmt.Printf("  %-14s %s\n", "Admin token:", maskSecret(cfg.Server.Token))
	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(ctx context.Context, dsn string) {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: wabridge migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (run: wabridge migrate up)\n", "Schema:", s.CurrentVersion)
	}
}

// checkService only verifies the host answers HTTP; any status counts.
func checkService(ctx context.Context, client *http.Client, name, raw string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		fmt.Printf("    %-14s INVALID URL %q\n", name+":", raw)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		fmt.Printf("    %-14s %s (%s)\n", name+":", raw, err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("    %-14s %s (UNREACHABLE)\n", name+":", raw)
		return
	}
	resp.Body.Close()
	fmt.Printf("    %-14s %s (HTTP %d)\n", name+":", raw, resp.StatusCode)
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "(not set)"
	case len(s) <= 8:
		return strings.Repeat("*", len(s))
	default:
		return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
	}
}
