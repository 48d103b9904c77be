package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arthur-debert/consync/internal/version"
	"github.com/arthur-debert/consync/pkg/config"
	"github.com/arthur-debert/consync/pkg/errors"
	"github.com/arthur-debert/consync/pkg/logging"
	"github.com/arthur-debert/consync/pkg/state"
	"github.com/arthur-debert/consync/pkg/syncer"
)

var (
	verbosity int
	cfgFile   string
	dryRun    bool

	loadedCfg *config.Config
	loadErr   error

	rootCmd = &cobra.Command{
		Use:   "consync",
		Short: "Declarative configuration synchronization for containers",
		Long: `consync keeps a long-lived container converged on the state declared
in a git configuration repository: packages installed, provisioning
scripts run, and managed files deployed, with snapshot-backed rollback
when local edits collide with upstream changes.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			stateDir := ""
			if err == nil {
				stateDir = cfg.State.Dir
			}
			logging.SetupLogger(verbosity, stateDir)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default is /etc/consync/config.toml for root)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Preview changes without writing anything")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

// loadConfig resolves the configuration once per invocation.
func loadConfig() (*config.Config, error) {
	if loadedCfg != nil || loadErr != nil {
		return loadedCfg, loadErr
	}
	if cfgFile != "" {
		loadedCfg, loadErr = config.LoadFile(cfgFile)
	} else {
		loadedCfg, loadErr = config.Load()
	}
	return loadedCfg, loadErr
}

// newOrchestrator builds the orchestrator and its state store from the
// resolved configuration.
func newOrchestrator(validate bool) (*syncer.Orchestrator, *state.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	store, err := state.NewStore(cfg.State.Dir)
	if err != nil {
		return nil, nil, err
	}
	return syncer.New(cfg, store, dryRun), store, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full synchronization pass",
	Long: `Sync fetches the configuration repository and converges the container
on it: provisioning scripts, package buckets, then managed files. A
pre-sync snapshot is taken first; a three-way checksum comparison
detects files edited both locally and upstream, and such a run finishes
with an open conflict instead of silently overwriting either side.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := newOrchestrator(true)
		if err != nil {
			return err
		}

		result, err := orch.Sync(cmd.Context())
		if err != nil {
			return err
		}

		renderSyncResult(cmd.OutOrStdout(), result)

		switch result.Run.Outcome {
		case state.OutcomeConflict:
			return errors.Newf(errors.ErrConflictOpen,
				"%d file(s) in conflict, run 'consync resolve' or 'consync restore'", len(result.Conflicts))
		case state.OutcomeFailed:
			return errors.New(errors.ErrInternal, "sync finished with errors")
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [ref]",
	Short: "Roll managed files back to a pre-sync snapshot",
	Long: `Restore rolls the managed files back to the snapshot taken before a
sync. Without an argument the last run's snapshot is used. Open
conflict records are kept; follow up with 'consync resolve' once the
files are in the desired state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := newOrchestrator(false)
		if err != nil {
			return err
		}

		ref := ""
		if len(args) == 1 {
			ref = args[0]
		}
		if err := orch.Restore(cmd.Context(), ref); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "restore complete")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Accept the current on-disk state and clear open conflicts",
	Long: `Resolve closes all open conflict records: the current content of each
conflicted file becomes the new expected baseline. Use it after merging
by hand or after a restore.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := newOrchestrator(false)
		if err != nil {
			return err
		}
		if err := orch.Resolve(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "conflicts resolved")
		return nil
	},
}

var pruneRetention int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots past the retention window",
	Long: `Prune removes snapshots older than the retention window. Snapshots
referenced by an open conflict are always kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, err := newOrchestrator(false)
		if err != nil {
			return err
		}

		retention := pruneRetention
		if retention == 0 {
			cfg, _ := loadConfig()
			retention = cfg.Snapshot.RetentionDays
		}
		return orch.Prune(cmd.Context(), retention)
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneRetention, "retention-days", 0, "Override the configured retention window")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("consync version %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `To load completions:

Bash:
  $ source <(consync completion bash)

Zsh:
  $ consync completion zsh > "${fpath[1]}/_consync"

Fish:
  $ consync completion fish | source

PowerShell:
  PS> consync completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		switch args[0] {
		case "bash":
			if err := cmd.Root().GenBashCompletion(cmd.OutOrStdout()); err != nil {
				log.Error().Err(err).Msg("Failed to generate bash completion")
			}
		case "zsh":
			if err := cmd.Root().GenZshCompletion(cmd.OutOrStdout()); err != nil {
				log.Error().Err(err).Msg("Failed to generate zsh completion")
			}
		case "fish":
			if err := cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true); err != nil {
				log.Error().Err(err).Msg("Failed to generate fish completion")
			}
		case "powershell":
			if err := cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout()); err != nil {
				log.Error().Err(err).Msg("Failed to generate powershell completion")
			}
		}
	},
}
