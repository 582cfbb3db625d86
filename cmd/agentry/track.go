package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/presenter"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// HistoryConfig holds configuration for the history command
type HistoryConfig struct {
	Limit      int
	Since      time.Duration
	ShowDiff   bool
	JSONOutput bool
}

// NewHistoryConfig creates a new HistoryConfig with default values
func NewHistoryConfig() *HistoryConfig {
	return &HistoryConfig{
		Limit: 20,
		Since: 24 * time.Hour,
	}
}

// Validate validates the HistoryConfig and returns an error if invalid
func (c *HistoryConfig) Validate() error {
	if c.Limit < 0 {
		return errors.Errorf("limit cannot be negative: %d", c.Limit)
	}
	if c.Since <= 0 {
		return errors.Errorf("since must be positive: %s", c.Since)
	}
	return nil
}

func getHistoryConfigFromFlags(cmd *cobra.Command) *HistoryConfig {
	config := NewHistoryConfig()
	if limit, err := cmd.Flags().GetInt("limit"); err == nil {
		config.Limit = limit
	}
	if since, err := cmd.Flags().GetDuration("since"); err == nil {
		config.Since = since
	}
	if showDiff, err := cmd.Flags().GetBool("diff"); err == nil {
		config.ShowDiff = showDiff
	}
	if jsonOutput, err := cmd.Flags().GetBool("json"); err == nil {
		config.JSONOutput = jsonOutput
	}
	return config
}

var historyCmd = &cobra.Command{
	Use:   "history [name]",
	Short: "Show the modification history of an agent, or recent changes",
	Long: `Show the modification history of one agent, newest first. Without a name,
every change recorded within --since is listed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := getHistoryConfigFromFlags(cmd)
		if err := config.Validate(); err != nil {
			fail(err, "invalid flags")
		}

		a := mustApp(ctx)
		defer a.Close()
		if err := a.requireTracker(); err != nil {
			fail(err, "history unavailable")
		}

		var (
			records []agenttypes.ModificationRecord
			err     error
		)
		if len(args) == 1 {
			records, err = a.tracker.History(ctx, args[0], config.Limit)
		} else {
			records, err = a.tracker.Recent(ctx, time.Now().Add(-config.Since))
			if config.Limit > 0 && len(records) > config.Limit {
				records = records[:config.Limit]
			}
		}
		if err != nil {
			fail(err, "failed to read history")
		}

		if config.JSONOutput {
			printJSON(records)
			return
		}
		if len(records) == 0 {
			presenter.Info("No modifications recorded.")
			return
		}
		if !config.ShowDiff {
			presenter.Table(recordHeaders, recordRows(records))
			return
		}
		for i, rec := range records {
			if i > 0 {
				presenter.Separator()
			}
			presenter.Section(fmt.Sprintf("%s %s %s", rec.Timestamp.Local().Format(time.DateTime), rec.Type, rec.AgentName))
			presenter.Table(nil, [][]string{
				{"ID:", rec.ID},
				{"Tier:", string(rec.Tier)},
				{"Path:", rec.Path},
				{"Origin:", string(rec.Origin)},
				{"Score:", strconv.FormatFloat(rec.Validation.Score, 'f', 1, 64)},
			})
			presenter.Diff(rec.Diff)
		}
	},
}

var recordHeaders = []string{"TIME", "AGENT", "CHANGE", "TIER", "ORIGIN", "SCORE", "SIZE", "ID"}

func recordRows(records []agenttypes.ModificationRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Timestamp.Local().Format(time.DateTime),
			rec.AgentName,
			string(rec.Type),
			string(rec.Tier),
			string(rec.Origin),
			strconv.FormatFloat(rec.Validation.Score, 'f', 1, 64),
			fmt.Sprintf("%d -> %d", rec.SizeBefore, rec.SizeAfter),
			rec.ID,
		})
	}
	return rows
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the tier directories and record every change",
	Long: `Continuously watch every tier directory, classify changed definitions,
record them in the modification history and print them as they happen.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		showDiff, _ := cmd.Flags().GetBool("diff")

		a := mustApp(ctx)
		defer a.Close()
		if err := a.requireTracker(); err != nil {
			fail(err, "cannot watch")
		}

		if err := runWatch(ctx, a, showDiff); err != nil {
			fail(err, "watch failed")
		}
		presenter.Info("Stopped watching")
	},
}

func runWatch(ctx context.Context, a *app, showDiff bool) error {
	ctx = logger.WithComponent(ctx, "watch")
	tierList, err := a.registry.Tiers(ctx)
	if err != nil {
		return err
	}

	a.tracker.OnModification(func(rec agenttypes.ModificationRecord) {
		presenter.Table(nil, recordRows([]agenttypes.ModificationRecord{rec}))
		if showDiff && rec.Diff != "" {
			presenter.Diff(rec.Diff)
			presenter.Separator()
		}
	})
	if err := a.tracker.Start(ctx, tierList); err != nil {
		return err
	}

	for _, t := range tierList {
		logger.G(ctx).WithField("tier", t.Kind).WithField("path", t.Path).Debug("watching tier")
	}
	presenter.Success(fmt.Sprintf("Watching %d tiers", len(tierList)))
	presenter.Info("Press Ctrl+C to stop")

	<-ctx.Done()
	return nil
}

func init() {
	defaults := NewHistoryConfig()
	historyCmd.Flags().IntP("limit", "n", defaults.Limit, "Maximum number of records (0 for all)")
	historyCmd.Flags().Duration("since", defaults.Since, "Window of recent changes when no agent is named")
	historyCmd.Flags().Bool("diff", false, "Show the diff of every record")
	historyCmd.Flags().Bool("json", false, "Output as JSON")

	watchCmd.Flags().Bool("diff", false, "Print the diff of every change")
}
