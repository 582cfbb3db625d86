package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/presenter"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// ListConfig holds configuration for the list command
type ListConfig struct {
	Type          string
	Tier          string
	HybridOnly    bool
	ValidatedOnly bool
	MinScore      float64
	JSONOutput    bool
}

// NewListConfig creates a new ListConfig with default values
func NewListConfig() *ListConfig {
	return &ListConfig{}
}

// Filter converts the flags into a registry filter.
func (c *ListConfig) Filter() (agents.Filter, error) {
	tier := agenttypes.TierKind(c.Tier)
	if tier != "" && !tier.Valid() {
		return agents.Filter{}, errors.Errorf("unknown tier '%s'", c.Tier)
	}
	if c.MinScore < 0 || c.MinScore > 100 {
		return agents.Filter{}, errors.Errorf("min score must be between 0 and 100, got %v", c.MinScore)
	}
	return agents.Filter{
		Type:          c.Type,
		Tier:          tier,
		HybridOnly:    c.HybridOnly,
		ValidatedOnly: c.ValidatedOnly,
		MinScore:      c.MinScore,
	}, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the resolved agents",
	Long: `List every agent visible from the current directory, one row per name,
showing the entry that wins tier precedence.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config := getListConfigFromFlags(cmd)
		filter, err := config.Filter()
		if err != nil {
			fail(err, "invalid filter")
		}

		a := mustApp(ctx)
		defer a.Close()

		list, err := a.registry.ListAgents(ctx, filter)
		if err != nil {
			fail(err, "failed to list agents")
		}
		if config.JSONOutput {
			printJSON(list)
			return
		}
		if len(list) == 0 {
			presenter.Info("No agents found.")
			return
		}
		presenter.Table(agentHeaders, agentRows(list))
	},
}

func getListConfigFromFlags(cmd *cobra.Command) *ListConfig {
	config := NewListConfig()
	config.Type, _ = cmd.Flags().GetString("type")
	config.Tier, _ = cmd.Flags().GetString("tier")
	config.HybridOnly, _ = cmd.Flags().GetBool("hybrid")
	config.ValidatedOnly, _ = cmd.Flags().GetBool("validated")
	config.MinScore, _ = cmd.Flags().GetFloat64("min-score")
	config.JSONOutput, _ = cmd.Flags().GetBool("json")
	return config
}

var agentHeaders = []string{"NAME", "TYPE", "TIER", "SCORE", "COMPLEXITY", "HYBRID", "VALID"}

func agentRows(list []agenttypes.AgentMetadata) [][]string {
	rows := make([][]string, 0, len(list))
	for _, m := range list {
		hybrid := "-"
		if m.IsHybrid {
			hybrid = strings.Join(m.HybridTypes, "+")
		}
		rows = append(rows, []string{
			m.Name,
			m.Type,
			string(m.Tier),
			strconv.FormatFloat(m.ValidationScore, 'f', 1, 64),
			string(m.Complexity),
			hybrid,
			strconv.FormatBool(m.Validated),
		})
	}
	return rows
}

var showCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the resolved metadata of an agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a := mustApp(ctx)
		defer a.Close()

		meta, err := a.registry.GetAgent(ctx, args[0])
		if err != nil {
			fail(err, "failed to get agent")
		}
		if jsonOutput {
			printJSON(meta)
			return
		}
		printAgent(meta)

		if state, err := a.lifecycle.GetAgentState(ctx, args[0]); err == nil {
			presenter.Info(fmt.Sprintf("State: %s (version %d)", state.State, state.Version))
		}
	},
}

func printAgent(m agenttypes.AgentMetadata) {
	presenter.Section(m.Name)
	rows := [][]string{
		{"Type:", m.Type},
		{"Tier:", fmt.Sprintf("%s (level %d)", m.Tier, m.TierLevel)},
		{"Path:", m.Path},
		{"Description:", m.Description},
		{"Score:", strconv.FormatFloat(m.ValidationScore, 'f', 1, 64)},
		{"Validated:", strconv.FormatBool(m.Validated)},
		{"Complexity:", string(m.Complexity)},
		{"Capabilities:", strings.Join(m.Capabilities, ", ")},
		{"Specializations:", strings.Join(m.Specializations, ", ")},
		{"Frameworks:", strings.Join(m.Frameworks, ", ")},
		{"Domains:", strings.Join(m.Domains, ", ")},
		{"Roles:", strings.Join(m.Roles, ", ")},
	}
	if m.IsHybrid {
		rows = append(rows, []string{"Hybrid of:", strings.Join(m.HybridTypes, ", ")})
	}
	if m.ErrorMessage != "" {
		rows = append(rows, []string{"Error:", m.ErrorMessage})
	}
	presenter.Table(nil, rows)
}

var tiersCmd = &cobra.Command{
	Use:   "tiers [name]",
	Short: "Show the tier hierarchy, or every tier an agent appears in",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a := mustApp(ctx)
		defer a.Close()

		if len(args) == 1 {
			records, err := a.registry.GetAgentTiers(ctx, args[0])
			if err != nil {
				fail(err, "failed to get agent tiers")
			}
			if jsonOutput {
				printJSON(records)
				return
			}
			presenter.Table(append([]string{"PATH"}, agentHeaders...), prependPaths(records))
			return
		}

		tierList, err := a.registry.Tiers(ctx)
		if err != nil {
			fail(err, "failed to resolve tiers")
		}
		if jsonOutput {
			printJSON(tierList)
			return
		}
		rows := make([][]string, 0, len(tierList))
		for _, t := range tierList {
			rows = append(rows, []string{strconv.Itoa(t.Level), string(t.Kind), t.Path, strconv.FormatBool(t.ReadOnly)})
		}
		presenter.Table([]string{"LEVEL", "KIND", "PATH", "READ-ONLY"}, rows)
	},
}

func prependPaths(records []agenttypes.AgentMetadata) [][]string {
	rows := agentRows(records)
	for i, r := range records {
		rows[i] = append([]string{r.Path}, rows[i]...)
	}
	return rows
}

// searchFields maps the search kinds onto registry lookups.
var searchFields = map[string]func(*agents.Registry) func(context.Context, string) ([]agenttypes.AgentMetadata, error){
	"capability":     func(r *agents.Registry) func(context.Context, string) ([]agenttypes.AgentMetadata, error) { return r.SearchByCapability },
	"framework":      func(r *agents.Registry) func(context.Context, string) ([]agenttypes.AgentMetadata, error) { return r.SearchByFramework },
	"domain":         func(r *agents.Registry) func(context.Context, string) ([]agenttypes.AgentMetadata, error) { return r.SearchByDomain },
	"role":           func(r *agents.Registry) func(context.Context, string) ([]agenttypes.AgentMetadata, error) { return r.SearchByRole },
	"specialization": func(r *agents.Registry) func(context.Context, string) ([]agenttypes.AgentMetadata, error) { return r.SearchBySpecialization },
}

var searchCmd = &cobra.Command{
	Use:       "search <capability|framework|domain|role|specialization|hybrid> [value]",
	Short:     "Search agents by capability, framework, domain, role or specialization",
	ValidArgs: []string{"capability", "framework", "domain", "role", "specialization", "hybrid"},
	Args:      cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		kind := strings.ToLower(args[0])
		lookup, ok := searchFields[kind]
		if kind != "hybrid" && (!ok || len(args) != 2) {
			fail(errors.Errorf("usage: %s", cmd.Use), "invalid search")
		}

		a := mustApp(ctx)
		defer a.Close()

		var (
			list []agenttypes.AgentMetadata
			err  error
		)
		if kind == "hybrid" {
			list, err = a.registry.GetHybridAgents(ctx)
		} else {
			list, err = lookup(a.registry)(ctx, args[1])
		}
		if err != nil {
			fail(err, "failed to search agents")
		}
		if jsonOutput {
			printJSON(list)
			return
		}
		if len(list) == 0 {
			presenter.Info("No matching agents.")
			return
		}
		presenter.Table(agentHeaders, agentRows(list))
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show registry, cache and modification statistics",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a := mustApp(ctx)
		defer a.Close()

		stats, err := a.registry.Stats(ctx)
		if err != nil {
			fail(err, "failed to compute statistics")
		}

		summary := &presenter.Summary{
			Agents:    stats.Total,
			Validated: stats.Validated,
			Hybrids:   stats.Hybrid,
			ByTier:    make(map[string]int),
		}
		for tier, n := range stats.ByTier {
			summary.ByTier[string(tier)] = n
		}
		if snap, err := a.registry.DiscoverAgents(ctx, false); err == nil {
			summary.ParseFailures = len(snap.Diagnostics)
		}
		if stats.Cache != nil {
			summary.CacheHitRate = stats.Cache.HitRate
		}

		var history any
		if a.tracker != nil {
			if h, err := a.tracker.Stats(ctx); err == nil {
				summary.Modifications = h.Total
				history = h
			}
		}

		if jsonOutput {
			printJSON(map[string]any{"registry": stats, "history": history})
			return
		}
		presenter.Stats(summary)
		types := make([][]string, 0, len(stats.ByType))
		for _, t := range sortedKeys(stats.ByType) {
			types = append(types, []string{t, strconv.Itoa(stats.ByType[t]),
				strconv.FormatFloat(stats.AverageScoreByType[t], 'f', 1, 64)})
		}
		presenter.Table([]string{"TYPE", "AGENTS", "AVG SCORE"}, types)
	},
}

func init() {
	defaults := NewListConfig()
	listCmd.Flags().String("type", defaults.Type, "Only agents of this type")
	listCmd.Flags().String("tier", defaults.Tier, "Only agents resolved from this tier (project, ancestor, user, system)")
	listCmd.Flags().Bool("hybrid", defaults.HybridOnly, "Only hybrid agents")
	listCmd.Flags().Bool("validated", defaults.ValidatedOnly, "Only agents that validated")
	listCmd.Flags().Float64("min-score", defaults.MinScore, "Minimum validation score")

	for _, cmd := range []*cobra.Command{listCmd, showCmd, tiersCmd, searchCmd, statsCmd} {
		cmd.Flags().Bool("json", false, "Output as JSON")
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err, "failed to encode JSON")
	}
	fmt.Println(string(out))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fail reports err and exits with status 1.
func fail(err error, msg string) {
	presenter.Error(err, msg)
	os.Exit(1)
}
