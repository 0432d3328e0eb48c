// Package main provides the operator CLI for the cover-service.
// Uses Cobra for command parsing.
//
// Run with: go run ./cmd/cli resolve --item 9780141439518 --url https://...
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/app"
	"github.com/fleveque/cover-service/internal/config"
	"github.com/fleveque/cover-service/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootCmd builds the command tree:
//
//	cover-cli resolve --item ID --url U [--url U2] [--source S] [--variant V]
//	cover-cli discover --item ID --isbn ISBN
//	cover-cli show --item ID
//	cover-cli import-feed [--feed URL]...
//	cover-cli delete --item ID
func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "cover-cli",
		Short:        "Cover service operator tools",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+config.ConfigPathEnv+")")

	root.AddCommand(
		resolveCmd(&configPath),
		discoverCmd(&configPath),
		showCmd(&configPath),
		importFeedCmd(&configPath),
		deleteCmd(&configPath),
	)
	return root
}

// withApp loads config, wires the application and runs fn with a context
// that is cancelled on Ctrl+C.
func withApp(configPath string, fn func(ctx context.Context, a *app.App, cfg *config.Config, logger *zap.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Always use development mode for the CLI
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}
	defer a.Close()

	return fn(ctx, a, cfg, logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resolveCmd(configPath *string) *cobra.Command {
	var (
		itemID  string
		urls    []string
		source  string
		variant string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Download, process and store a cover from explicit URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates := make([]model.CandidateURL, len(urls))
			for i, u := range urls {
				candidates[i] = model.CandidateURL{
					URL:     u,
					Source:  source,
					Variant: model.ParseVariant(variant),
				}
			}
			return withApp(*configPath, func(ctx context.Context, a *app.App, _ *config.Config, _ *zap.Logger) error {
				desc, err := a.Service.ResolveCover(ctx, itemID, candidates)
				if err != nil {
					return err
				}
				if desc == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no cover")
					return nil
				}
				return printJSON(cmd, desc)
			})
		},
	}

	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "candidate URL (repeatable)")
	cmd.Flags().StringVar(&source, "source", "manual", "source label for every URL")
	cmd.Flags().StringVar(&variant, "variant", string(model.VariantCanonical), "variant for every URL")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func discoverCmd(configPath *string) *cobra.Command {
	var itemID, isbn string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Ask providers for candidates by ISBN, then resolve them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app.App, _ *config.Config, logger *zap.Logger) error {
				job := model.ResolveJob{Query: model.BookQuery{ItemID: itemID, ISBN: isbn}}
				candidates := a.Service.Discover(ctx, job.Query)
				logger.Info("discovered candidates", zap.Int("count", len(candidates)))
				if len(candidates) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no candidates")
					return nil
				}
				job.Candidates = candidates
				desc, err := a.Service.ResolveBook(ctx, job)
				if err != nil {
					return err
				}
				if desc == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "no cover")
					return nil
				}
				return printJSON(cmd, desc)
			})
		},
	}

	cmd.Flags().StringVar(&itemID, "item", "", "item id (defaults to the normalized ISBN)")
	cmd.Flags().StringVar(&isbn, "isbn", "", "ISBN-10 or ISBN-13")
	_ = cmd.MarkFlagRequired("isbn")
	return cmd
}

func showCmd(configPath *string) *cobra.Command {
	var itemID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored canonical cover and every candidate row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app.App, _ *config.Config, _ *zap.Logger) error {
				desc, err := a.Service.FetchExistingCover(ctx, itemID)
				if err != nil {
					return err
				}
				rows, err := a.Repo.ListCandidates(ctx, itemID)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"item_id":    itemID,
					"cover":      desc,
					"candidates": rows,
				})
			})
		},
	}

	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func importFeedCmd(configPath *string) *cobra.Command {
	var feeds []string

	cmd := &cobra.Command{
		Use:   "import-feed",
		Short: "Batch-resolve covers for every book in RSS/Atom feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app.App, cfg *config.Config, logger *zap.Logger) error {
				if len(feeds) == 0 {
					feeds = cfg.Providers.Feeds
				}
				if len(feeds) == 0 {
					return fmt.Errorf("no feeds given and providers.feeds is empty")
				}

				var jobs []model.ResolveJob
				for _, url := range feeds {
					entries, err := a.Feeds.Read(ctx, url)
					if err != nil {
						logger.Error("reading feed", zap.String("feed", url), zap.Error(err))
						continue
					}
					jobs = append(jobs, entries...)
				}

				var resolved, noCover, failed int
				for _, r := range a.Service.ResolveBatch(ctx, jobs) {
					switch {
					case r.Err != nil:
						failed++
						logger.Warn("item failed", zap.String("item_id", r.ItemID), zap.Error(r.Err))
					case r.Descriptor == nil:
						noCover++
					default:
						resolved++
					}
				}

				logger.Info("import complete",
					zap.Int("total", len(jobs)),
					zap.Int("resolved", resolved),
					zap.Int("no_cover", noCover),
					zap.Int("failed", failed),
				)
				return ctx.Err()
			})
		},
	}

	cmd.Flags().StringArrayVar(&feeds, "feed", nil, "feed URL (repeatable, default providers.feeds)")
	return cmd
}

func deleteCmd(configPath *string) *cobra.Command {
	var itemID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an item and every candidate row for it",
		Long:  "Deletes the item row; candidate rows go with it. Stored objects are left in place.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app.App, _ *config.Config, logger *zap.Logger) error {
				if err := a.Repo.DeleteItem(ctx, itemID); err != nil {
					return err
				}
				logger.Info("item deleted", zap.String("item_id", itemID))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}
