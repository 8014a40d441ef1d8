package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/experimentstash/stash/internal/core"
	"github.com/experimentstash/stash/internal/registry"
	"github.com/experimentstash/stash/internal/snapshot"
)

// Open the workspace and wire the orchestrator
func (a *app) orchestrator(cmd *cobra.Command) (*core.Orchestrator, error) {
	root, _ := cmd.Flags().GetString("root")
	ws, err := core.OpenWorkspace(root)
	if err != nil {
		return nil, err
	}
	opts := a.opts
	if noHistory, _ := cmd.Flags().GetBool("no-history"); noHistory {
		opts.NoHistory = true
	}
	// A dry run leaves no trace in .stash/.
	if validateOnly, err := cmd.Flags().GetBool("validate-only"); err == nil && validateOnly {
		opts.NoHistory = true
	}
	return core.NewOrchestrator(ws, opts)
}

// Initialize a workspace
func newInitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace layout and a default configs/meta.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			name, _ := cmd.Flags().GetString("name")
			keys, _ := cmd.Flags().GetBool("keys")
			res, err := core.Init(root, core.InitOptions{Name: name, GenerateKeys: keys})
			if err != nil {
				return err
			}
			for _, p := range res.Created {
				fmt.Fprintf(a.stdout, "created %s\n", p)
			}
			if res.PublicKey != "" {
				fmt.Fprintf(a.stdout, "archive public key (add it to the archive host's authorized_keys):\n%s", res.PublicKey)
			}
			fmt.Fprintf(a.stdout, "workspace ready at %s\n", res.Workspace.Layout.Root)
			return nil
		},
	}
	cmd.Flags().String("name", "", "experiment name recorded in meta.yaml (default: root directory name)")
	cmd.Flags().Bool("keys", false, "generate the archive SSH key pair and known_hosts file")
	return cmd
}

// Register a tool
func newRegisterToolCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register-tool <name> [source]",
		Short: "Add a tool as a git submodule under tools/ and register it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entrypoint, _ := cmd.Flags().GetString("entrypoint")
			branch, _ := cmd.Flags().GetString("branch")
			searchPaths, _ := cmd.Flags().GetString("search-paths")
			noSubmodule, _ := cmd.Flags().GetBool("no-submodule")
			req := core.RegisterRequest{
				Name:        args[0],
				Branch:      branch,
				Entrypoint:  entrypoint,
				SearchPaths: registry.SplitSearchPaths(searchPaths),
				NoSubmodule: noSubmodule,
			}
			if len(args) == 2 {
				req.Source = args[1]
			}
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			entry, err := o.RegisterTool(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "registered %s at %s (entrypoint %s)\n", entry.Name, o.Workspace().Layout.Rel(entry.Path), entry.Entrypoint)
			return nil
		},
	}
	cmd.Flags().String("entrypoint", "", "entrypoint (src/main.py or \"-m pkg.mod\"); detected when empty")
	cmd.Flags().String("branch", "", "branch to track for the submodule")
	cmd.Flags().String("search-paths", "", "colon-separated config search paths (pkg://a.b:file://dir)")
	cmd.Flags().Bool("no-submodule", false, "register an existing directory (source, default tools/<name>) without git")
	return cmd
}

// Remove a tool
func newRemoveToolCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-tool <name>",
		Short: "Deregister a tool and remove its submodule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			keep, _ := cmd.Flags().GetBool("keep-submodule")
			noBackup, _ := cmd.Flags().GetBool("no-backup")
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			rep, err := o.RemoveTool(cmd.Context(), args[0], core.RemoveOptions{DryRun: dryRun, KeepSubmodule: keep, NoBackup: noBackup})
			if err != nil {
				return err
			}
			prefix := ""
			if rep.DryRun {
				prefix = "[dry run] would have "
			}
			if rep.Backup != "" {
				fmt.Fprintf(a.stdout, "%sbacked up %s to %s\n", prefix, o.Workspace().Layout.Rel(rep.Tool.Path), o.Workspace().Layout.Rel(rep.Backup))
			}
			fmt.Fprintf(a.stdout, "%sremoved %s from configs/meta.yaml\n", prefix, rep.Tool.Name)
			if rep.SubmoduleRemoved {
				fmt.Fprintf(a.stdout, "%sremoved submodule %s\n", prefix, o.Workspace().Layout.Rel(rep.Tool.Path))
			}
			if rep.ExampleRemoved != "" {
				fmt.Fprintf(a.stdout, "%sremoved %s\n", prefix, o.Workspace().Layout.Rel(rep.ExampleRemoved))
			}
			for _, t := range rep.Dependents.Tools {
				fmt.Fprintf(a.stderr, "warning: tool %s lists %s as a dependency\n", t, rep.Tool.Name)
			}
			for _, c := range rep.Dependents.Configs {
				fmt.Fprintf(a.stderr, "warning: config %s/%s still references %s\n", rep.Tool.Name, c, rep.Tool.Name)
			}
			for _, c := range rep.Dependents.References {
				fmt.Fprintf(a.stderr, "warning: config %s sets tool: %s\n", c, rep.Tool.Name)
			}
			for _, r := range rep.Dependents.Runs {
				fmt.Fprintf(a.stderr, "warning: run %s in configs/runs.yaml uses %s\n", r, rep.Tool.Name)
			}
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "show what would be removed")
	cmd.Flags().Bool("keep-submodule", false, "keep the submodule checkout")
	cmd.Flags().Bool("no-backup", false, "do not copy the tool checkout to backups/ first")
	return cmd
}

// Run an experiment
func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tool> <experiment_id> [override ...]",
		Short: "Run a tool against an experiment config; the tool's exit code is forwarded",
		Args: func(cmd *cobra.Command, args []string) error {
			if named, _ := cmd.Flags().GetString("named"); named != "" {
				return nil
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			validateOnly, _ := cmd.Flags().GetBool("validate-only")
			debug, _ := cmd.Flags().GetBool("debug")
			named, _ := cmd.Flags().GetString("named")
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			var out core.RunOutcome
			if named != "" {
				out, err = o.RunNamed(cmd.Context(), named, args, validateOnly, debug)
			} else {
				out, err = o.Run(cmd.Context(), core.RunRequest{
					Tool:         args[0],
					ExperimentID: args[1],
					Overrides:    args[2:],
					ValidateOnly: validateOnly,
					Debug:        debug,
				})
			}
			if err != nil {
				return err
			}
			if validateOnly {
				fmt.Fprintf(a.stdout, "ok: %s/%s would run in %s:\n  %s\n", out.Record.Tool, out.Record.ExperimentID,
					out.Result.Dir, strings.Join(out.Result.Argv, " "))
			}
			return nil
		},
	}
	cmd.Flags().Bool("validate-only", false, "resolve and pre-flight without starting the tool")
	cmd.Flags().Bool("debug", false, "debug logging here and full error traces in the tool")
	cmd.Flags().String("named", "", "run an entry of configs/runs.yaml; remaining args are extra overrides")
	return cmd
}

// Freeze an experiment
func newFreezeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "freeze <tool> <experiment_id> [override ...]",
		Short: "Write an immutable snapshot of a resolved config with the tool commit",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, _ := cmd.Flags().GetString("tag")
			pin, _ := cmd.Flags().GetBool("commit")
			gitTag, _ := cmd.Flags().GetBool("git-tag")
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			snap, err := o.Freeze(cmd.Context(), core.FreezeRequest{
				Tool:         args[0],
				ExperimentID: args[1],
				Tag:          tag,
				PinCommit:    pin,
				CreateTag:    gitTag,
				Overrides:    args[2:],
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, snap.Path)
			return nil
		},
	}
	cmd.Flags().String("tag", "", "snapshot tag ([A-Za-z0-9._-]+)")
	cmd.Flags().Bool("commit", false, "pin the tool commit; refuses a dirty working tree")
	cmd.Flags().Bool("git-tag", false, "commit the snapshot and create git tag "+snapshot.TagPrefix+"<tool>/<tag>")
	_ = cmd.MarkFlagRequired("tag")
	return cmd
}

// Show a resolved config
func newShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <tool> <experiment_id> [override ...]",
		Short: "Print the fully resolved config",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, _ := cmd.Flags().GetBool("sources")
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			resolved, err := o.Show(args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			if sources {
				fmt.Fprint(a.stdout, resolved.Describe())
			}
			body, err := yaml.Marshal(resolved.Config)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(body)
			return err
		},
	}
	cmd.Flags().Bool("sources", false, "print the merged files and group choices first")
	return cmd
}

// List experiments
func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [tool]",
		Short: "List registered tools and their experiment configs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			tool := ""
			if len(args) == 1 {
				tool = args[0]
			}
			exps, err := o.ListExperiments(tool)
			if err != nil {
				return err
			}
			for _, e := range exps {
				fmt.Fprintf(a.stdout, "%s\t%s\n", e.Tool, e.ID)
			}
			return nil
		},
	}
}

// List snapshots
func newSnapshotsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots [tool]",
		Short: "List frozen snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			tool := ""
			if len(args) == 1 {
				tool = args[0]
			}
			snaps, err := o.Snapshots(tool)
			if err != nil {
				return err
			}
			for _, s := range snaps {
				fmt.Fprintf(a.stdout, "%s\t%s\t%s\t%s\t%s\n", s.Tool, s.Tag, s.ExperimentID, s.ToolCommit, s.Timestamp.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// Show run history
func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [tool]",
		Short: "Show recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			tool := ""
			if len(args) == 1 {
				tool = args[0]
			}
			runs, err := o.History(cmd.Context(), tool, limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Fprintf(a.stdout, "%s\t%s\t%s/%s\t%s\t%d\n", r.ID, r.StartedAt.Local().Format(time.DateTime), r.Tool, r.ExperimentID, r.Status, r.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to show")
	return cmd
}

// Validate the workspace
func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check meta.yaml, tools, runs and configs without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			problems := o.Validate()
			if len(problems) == 0 {
				fmt.Fprintln(a.stdout, "workspace ok")
				return nil
			}
			for _, p := range problems {
				fmt.Fprintln(a.stdout, p.String())
			}
			fmt.Fprintf(a.stdout, "%d problem(s)\n", len(problems))
			return errProblems
		},
	}
}

// Archive a snapshot
func newArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <tool> <tag>",
		Short: "Upload a snapshot to the archive host over SFTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			res, err := o.Archive(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			state := "uploaded"
			if res.Existing {
				state = "already archived"
			}
			fmt.Fprintf(a.stdout, "%s %s (sha256 %s)\n", state, res.Remote, res.Checksum)
			return nil
		},
	}
}

// Generate shell completion
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate a shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return errors.New("unsupported shell: " + args[0])
		},
	}
}
