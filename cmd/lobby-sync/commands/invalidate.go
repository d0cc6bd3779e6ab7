package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/anatoly-dev/lobby-sync/pkg/redis"
	"github.com/spf13/cobra"
)

// NewInvalidateCommand publishes a catalog invalidation to every running instance over Redis.
// Without filter flags every cached page is invalidated. With flags, every cached page
// whose filter agrees on all the given fields is invalidated.
func NewInvalidateCommand() *cobra.Command {
	var (
		configPath string
		filter     models.CatalogFilter
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cached catalog pages on all instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			event := models.CatalogEvent{Type: models.EventCatalogUpdated, Reason: reason}
			if cmd.Flags().Changed("tag") || cmd.Flags().Changed("types") || cmd.Flags().Changed("search") ||
				cmd.Flags().Changed("page") || cmd.Flags().Changed("sort") {
				if err := filter.Validate(); err != nil {
					return err
				}
				event.Filter = &filter
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			if err := redis.PublishCatalogEvent(ctx, &cfg.Redis, event); err != nil {
				return err
			}

			scope := "all pages"
			if event.Filter != nil {
				partial, err := json.Marshal(event.Filter)
				if err != nil {
					return err
				}
				scope = "pages matching " + string(partial)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published catalog invalidation (%s)\n", scope)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "Invalidate every page with this tag")
	cmd.Flags().StringSliceVar(&filter.Types, "types", nil, "Invalidate every page with exactly these game types")
	cmd.Flags().StringVar(&filter.Search, "search", "", "Invalidate every page with this search text")
	cmd.Flags().IntVar(&filter.Page, "page", 0, "Invalidate only this page number of the matching pages")
	cmd.Flags().StringVar(&filter.Sort, "sort", "", "Invalidate every page with this sort order")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded in the event")

	return cmd
}
