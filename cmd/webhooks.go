package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/store"
)

// withStores loads config, opens the configured store and runs fn.
func withStores(fn func(ctx context.Context, s *store.Stores) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(ctx, stores)
}

func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage the downstream webhook configuration",
	}
	cmd.AddCommand(webhooksListCmd())
	cmd.AddCommand(webhooksAddCmd())
	cmd.AddCommand(webhooksDeleteCmd())
	return cmd
}

func webhooksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhook configs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, s *store.Stores) error {
				hooks, err := s.Webhooks.ListWebhooks(ctx)
				if err != nil {
					return err
				}
				if len(hooks) == 0 {
					fmt.Println("No webhooks configured.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tURL\tRETRIES\tACTIVE\tCREATED")
				for _, h := range hooks {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%v\t%s\n", h.ID, h.URL, h.Retries, h.IsActive, h.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
}

func webhooksAddCmd() *cobra.Command {
	var (
		url     string
		retries int
		secret  string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook and make it the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}
			if retries < 0 {
				return fmt.Errorf("--retries must not be negative")
			}
			if retries == 0 {
				retries = store.DefaultWebhookRetries
			}
			return withStores(func(ctx context.Context, s *store.Stores) error {
				wh := &store.WebhookConfig{URL: url, Retries: retries, Secret: secret}
				if err := s.Webhooks.CreateWebhook(ctx, wh); err != nil {
					return err
				}
				fmt.Printf("Webhook %d active: %s (retries %d)\n", wh.ID, wh.URL, wh.Retries)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "webhook URL, absolute or relative to services.webhook_base_url")
	cmd.Flags().IntVar(&retries, "retries", store.DefaultWebhookRetries, "delivery attempts per message")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC-SHA256 signing secret")
	return cmd
}

func webhooksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a webhook config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			return withStores(func(ctx context.Context, s *store.Stores) error {
				wh, err := s.Webhooks.DeleteWebhook(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted webhook %d (%s)\n", wh.ID, wh.URL)
				return nil
			})
		},
	}
}
