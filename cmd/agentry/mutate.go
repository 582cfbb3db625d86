package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/lifecycle"
	"github.com/jingkaihe/agentry/pkg/persistence"
	"github.com/jingkaihe/agentry/pkg/presenter"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// WriteConfig holds the flags shared by create and update
type WriteConfig struct {
	File     string
	Tier     string
	Strategy string
	Conflict string
	BaseHash string

	// Header fields, used when no file is given
	Description     string
	Type            string
	Version         string
	Capabilities    []string
	Specializations []string
	Frameworks      []string
	Domains         []string
	Roles           []string
	Body            string
}

// NewWriteConfig creates a new WriteConfig with default values
func NewWriteConfig() *WriteConfig {
	return &WriteConfig{}
}

// Validate checks the strategy and tier flags.
func (c *WriteConfig) Validate() error {
	if c.Tier != "" && !agenttypes.TierKind(c.Tier).Valid() {
		return errors.Errorf("unknown tier '%s'", c.Tier)
	}
	switch agenttypes.WriteStrategy(c.Strategy) {
	case "", agenttypes.StrategyTierSpecific, agenttypes.StrategyPreferUser, agenttypes.StrategyDistribute:
	default:
		return errors.Errorf("unknown write strategy '%s'", c.Strategy)
	}
	switch agenttypes.ConflictStrategy(c.Conflict) {
	case "", agenttypes.ConflictTierPrecedence, agenttypes.ConflictMostRecent,
		agenttypes.ConflictHighestScore, agenttypes.ConflictManual:
	default:
		return errors.Errorf("unknown conflict strategy '%s'", c.Conflict)
	}
	return nil
}

// Content returns the definition to write: the file (or stdin for "-") when
// given, otherwise a header rendered from the field flags.
func (c *WriteConfig) Content(name string, stdin io.Reader) ([]byte, error) {
	switch c.File {
	case "-":
		content, err := io.ReadAll(stdin)
		return content, errors.Wrap(err, "failed to read stdin")
	case "":
	default:
		content, err := os.ReadFile(c.File)
		return content, errors.Wrapf(err, "failed to read %s", c.File)
	}

	if c.Description == "" {
		return nil, errors.New("either --file or --description is required")
	}
	return agents.Render(agenttypes.DeclaredFields{
		Name:            name,
		Description:     c.Description,
		Version:         c.Version,
		Type:            c.Type,
		Capabilities:    c.Capabilities,
		Specializations: c.Specializations,
		Frameworks:      c.Frameworks,
		Domains:         c.Domains,
		Roles:           c.Roles,
	}, c.Body)
}

func getWriteConfigFromFlags(cmd *cobra.Command) *WriteConfig {
	config := NewWriteConfig()
	config.File, _ = cmd.Flags().GetString("file")
	config.Tier, _ = cmd.Flags().GetString("tier")
	config.Strategy, _ = cmd.Flags().GetString("strategy")
	if cmd.Flags().Lookup("conflict") != nil {
		config.Conflict, _ = cmd.Flags().GetString("conflict")
		config.BaseHash, _ = cmd.Flags().GetString("base-hash")
	}
	config.Description, _ = cmd.Flags().GetString("description")
	config.Type, _ = cmd.Flags().GetString("type")
	config.Version, _ = cmd.Flags().GetString("agent-version")
	config.Capabilities, _ = cmd.Flags().GetStringSlice("capability")
	config.Specializations, _ = cmd.Flags().GetStringSlice("specialization")
	config.Frameworks, _ = cmd.Flags().GetStringSlice("framework")
	config.Domains, _ = cmd.Flags().GetStringSlice("domain")
	config.Roles, _ = cmd.Flags().GetStringSlice("role")
	config.Body, _ = cmd.Flags().GetString("body")
	return config
}

func loadWriteConfig(cmd *cobra.Command, name string) (*WriteConfig, []byte) {
	config := getWriteConfigFromFlags(cmd)
	if err := config.Validate(); err != nil {
		fail(err, "invalid flags")
	}
	content, err := config.Content(name, cmd.InOrStdin())
	if err != nil {
		fail(err, "failed to build agent definition")
	}
	return config, content
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new agent definition",
	Long: `Create a new agent from a file, stdin (--file -), or from header flags.
The definition is classified first and rejected without touching disk when it
does not validate.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config, content := loadWriteConfig(cmd, args[0])

		a := mustApp(ctx)
		defer a.Close()

		out, err := a.lifecycle.CreateAgent(ctx, lifecycle.CreateRequest{
			Name:     args[0],
			Content:  content,
			Tier:     agenttypes.TierKind(config.Tier),
			Strategy: agenttypes.WriteStrategy(config.Strategy),
		})
		if err != nil {
			fail(err, "failed to create agent")
		}
		reportOutcome("Created", out)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Replace the content of an existing agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		config, content := loadWriteConfig(cmd, args[0])

		a := mustApp(ctx)
		defer a.Close()

		out, err := a.lifecycle.UpdateAgent(ctx, lifecycle.UpdateRequest{
			Name:     args[0],
			Content:  content,
			Tier:     agenttypes.TierKind(config.Tier),
			Strategy: agenttypes.WriteStrategy(config.Strategy),
			Conflict: agenttypes.ConflictStrategy(config.Conflict),
			BaseHash: config.BaseHash,
		})
		if err != nil {
			var conflict *agenttypes.ConflictError
			if errors.As(err, &conflict) {
				presenter.Warning(fmt.Sprintf("Update parked as operation %s; run 'agentry resolve %s' to decide.",
					conflict.OperationID, args[0]))
			}
			fail(err, "failed to update agent")
		}
		reportOutcome("Updated", out)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an agent, keeping a backup",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		tier, _ := cmd.Flags().GetString("tier")
		yes, _ := cmd.Flags().GetBool("yes")
		if tier != "" && !agenttypes.TierKind(tier).Valid() {
			fail(errors.Errorf("unknown tier '%s'", tier), "invalid flags")
		}

		if !yes && presenter.IsQuiet() {
			fail(errors.New("pass --yes to delete in quiet mode"), "confirmation required")
		}
		if !yes {
			answer := presenter.Prompt(fmt.Sprintf("Delete agent '%s'?", args[0]), "y", "N")
			if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
				presenter.Info("Aborted.")
				return
			}
		}

		a := mustApp(ctx)
		defer a.Close()

		out, err := a.lifecycle.DeleteAgent(ctx, args[0], agenttypes.TierKind(tier))
		if err != nil {
			fail(err, "failed to delete agent")
		}
		reportOutcome("Deleted", out)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore an agent from a backup or a modification record",
	Long: `Restore an agent byte-for-byte from one of its backups. Without --backup or
--record the newest backup is used; --list shows the available backups.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		ref, _ := cmd.Flags().GetString("backup")
		recordID, _ := cmd.Flags().GetString("record")
		list, _ := cmd.Flags().GetBool("list")

		a := mustApp(ctx)
		defer a.Close()

		if list {
			backups, err := a.persistence.ListBackups(ctx, args[0])
			if err != nil {
				fail(err, "failed to list backups")
			}
			if len(backups) == 0 {
				presenter.Info(fmt.Sprintf("No backups for '%s'.", args[0]))
				return
			}
			rows := make([][]string, 0, len(backups))
			for _, b := range backups {
				rows = append(rows, []string{b.Ref, string(b.Tier), b.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					fmt.Sprintf("%d", b.Size), shortHash(b.Hash)})
			}
			presenter.Table([]string{"REF", "TIER", "CREATED", "SIZE", "HASH"}, rows)
			return
		}

		var (
			out *lifecycle.Outcome
			err error
		)
		switch {
		case recordID != "":
			if err := a.requireTracker(); err != nil {
				fail(err, "cannot restore from a record")
			}
			out, err = a.lifecycle.RestoreFromRecord(ctx, recordID)
		default:
			out, err = a.lifecycle.RestoreAgent(ctx, args[0], ref)
		}
		if err != nil {
			fail(err, "failed to restore agent")
		}
		reportOutcome("Restored", out)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Resolve a parked write conflict",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		keep, _ := cmd.Flags().GetString("keep")

		a := mustApp(ctx)
		defer a.Close()

		if keep == "" && presenter.IsQuiet() {
			fail(errors.New("pass --keep to resolve in quiet mode"), "confirmation required")
		}
		if keep == "" {
			for _, c := range a.lifecycle.Pending() {
				if c.Operation.AgentName == args[0] {
					presenter.Info(fmt.Sprintf("Operation %s: %s", c.Operation.ID, c.Operation.ConflictNote))
				}
			}
			keep = presenter.Prompt("Keep which version?", string(persistence.KeepIncoming), string(persistence.KeepCurrent))
		}
		resolution := persistence.Resolution(keep)
		if resolution != persistence.KeepIncoming && resolution != persistence.KeepCurrent {
			fail(errors.Errorf("resolution must be '%s' or '%s'", persistence.KeepIncoming, persistence.KeepCurrent), "invalid resolution")
		}

		out, err := a.lifecycle.ResolveConflict(ctx, args[0], resolution)
		if err != nil {
			fail(err, "failed to resolve conflict")
		}
		reportOutcome("Resolved", out)
	},
}

func reportOutcome(verb string, out *lifecycle.Outcome) {
	presenter.Success(fmt.Sprintf("%s '%s' (%s, state %s)", verb, out.State.Name, out.State.Tier, out.State.State))
	if out.Operation.BackupRef != "" {
		presenter.Info(fmt.Sprintf("Backup: %s", out.Operation.BackupRef))
	}
	for _, rec := range out.Records {
		presenter.Info(fmt.Sprintf("Recorded %s %s", rec.Type, rec.ID))
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	defaults := NewWriteConfig()
	for _, cmd := range []*cobra.Command{createCmd, updateCmd} {
		cmd.Flags().StringP("file", "f", defaults.File, "Read the definition from this file ('-' for stdin)")
		cmd.Flags().String("tier", defaults.Tier, "Tier to write to (project, ancestor, user)")
		cmd.Flags().String("strategy", defaults.Strategy, "Write strategy (tier_specific, prefer_user, distribute)")
		cmd.Flags().String("description", defaults.Description, "Header description when no file is given")
		cmd.Flags().String("type", defaults.Type, "Header agent type")
		cmd.Flags().String("agent-version", defaults.Version, "Header version")
		cmd.Flags().StringSlice("capability", nil, "Header capability (repeatable)")
		cmd.Flags().StringSlice("specialization", nil, "Header specialization (repeatable)")
		cmd.Flags().StringSlice("framework", nil, "Header framework (repeatable)")
		cmd.Flags().StringSlice("domain", nil, "Header domain (repeatable)")
		cmd.Flags().StringSlice("role", nil, "Header role (repeatable)")
		cmd.Flags().String("body", defaults.Body, "Instructions following the header")
	}
	updateCmd.Flags().String("conflict", defaults.Conflict, "Conflict strategy (tier_precedence, most_recent, highest_score, manual)")
	updateCmd.Flags().String("base-hash", defaults.BaseHash, "Content hash the edit was based on")

	deleteCmd.Flags().String("tier", "", "Only delete from this tier")
	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	restoreCmd.Flags().String("backup", "", "Backup reference to restore")
	restoreCmd.Flags().String("record", "", "Modification record whose backup to restore")
	restoreCmd.Flags().Bool("list", false, "List the backups of the agent")

	resolveCmd.Flags().String("keep", "", "Version to keep (incoming, current)")
}
