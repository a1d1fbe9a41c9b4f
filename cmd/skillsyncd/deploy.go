package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"skillsyncd/internal/app"
	"skillsyncd/internal/apperr"
	"skillsyncd/internal/registry"
	"skillsyncd/internal/store"
)

func newProjectCmd(rt *runtime) *cobra.Command {
	projectCmd := &cobra.Command{Use: "project", Aliases: []string{"projects"}, Short: "Manage registered projects"}

	addCmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Register a project root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				abs, err := filepath.Abs(args[1])
				if err != nil {
					return apperr.IO("add project", err)
				}
				p, err := a.Store.AddProject(args[0], abs)
				if err != nil {
					return err
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, p, fmt.Sprintf("added project %s (%s) %s", p.Name, shortID(p.ID), p.Path))
			})
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				projects, err := a.Store.ListProjects()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, projects, "")
				}
				if len(projects) == 0 {
					fmt.Fprintln(out, "no projects registered")
					return nil
				}
				for _, p := range projects {
					fmt.Fprintf(out, "- %s (%s) %s\n", p.Name, shortID(p.ID), p.Path)
				}
				return nil
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:     "remove <project>",
		Aliases: []string{"rm"},
		Short:   "Unregister a project and remove its deployments",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				p, err := a.FindProject(args[0])
				if err != nil {
					return err
				}
				if err := a.RemoveProject(p.ID); err != nil {
					return err
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, map[string]string{"removed": p.ID}, "removed project "+p.Name)
			})
		},
	}

	var global, dryRun bool
	scanCmd := &cobra.Command{
		Use:   "scan [project...]",
		Short: "Adopt skill directories that are on disk but not recorded",
		Long: `Looks through the tool skill directories of the named projects (all
projects when none are named, plus the global root with --global) for skill
directories that have no deployment. Each one is recorded as a deployment of
the skill with the same name. A skill that is not in the store yet is imported
from the directory first. An existing skill keeps its stored content and the
directory is recorded as synced or diverged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				opts := app.AdoptOptions{Global: global, DryRun: dryRun}
				for _, ref := range args {
					p, err := a.FindProject(ref)
					if err != nil {
						return err
					}
					opts.ProjectIDs = append(opts.ProjectIDs, p.ID)
				}
				rep, err := a.AdoptUntracked(opts)
				if err != nil {
					return err
				}
				return writeAdoptReport(cmd, rt, rep, dryRun)
			})
		},
	}
	scanCmd.Flags().BoolVar(&global, "global", false, "also scan the global tool skill directories")
	scanCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be adopted without changing anything")

	projectCmd.AddCommand(addCmd, listCmd, removeCmd, scanCmd)
	return projectCmd
}

func writeAdoptReport(cmd *cobra.Command, rt *runtime, rep *app.AdoptReport, dryRun bool) error {
	out := cmd.OutOrStdout()
	if rt.jsonOutput {
		return print(out, true, rep, "")
	}
	if rep.Found == 0 {
		fmt.Fprintln(out, "no untracked skill directories")
		return nil
	}
	for _, it := range rep.Items {
		switch {
		case dryRun:
			verb := "adopt"
			if it.SkillID == "" {
				verb = "import and adopt"
			}
			fmt.Fprintf(out, "would %s %s (%s) %s\n", verb, it.SkillName, it.Tool, it.Path)
		case it.Error != "":
			fmt.Fprintf(out, "failed %s (%s) %s: %s\n", it.SkillName, it.Tool, it.Path, it.Error)
		default:
			how := "adopted"
			if it.Imported {
				how = "imported and adopted"
			}
			fmt.Fprintf(out, "%s %s (%s) %s [%s]\n", how, it.SkillName, it.Tool, it.Path, it.Status)
		}
	}
	if !dryRun {
		fmt.Fprintf(out, "adopted=%d imported=%d failed=%d\n", rep.Adopted, rep.Imported, rep.Failed)
		if rep.Failed > 0 {
			return &exitError{code: exitFailure, msg: fmt.Sprintf("%d directories could not be adopted", rep.Failed)}
		}
	}
	return nil
}

// targetFlags are the --tool and --project flags shared by the commands that
// address one deployment.
type targetFlags struct {
	tool    string
	project string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tool, "tool", "", "tool id (see `skillsyncd tools`)")
	cmd.Flags().StringVar(&f.project, "project", "", "project name, id or path (default: global)")
}

func (f *targetFlags) target(a *app.App) (registry.Target, error) {
	t := registry.Target{Tool: f.tool}
	if f.project != "" {
		p, err := a.FindProject(f.project)
		if err != nil {
			return t, err
		}
		t.ProjectID = p.ID
	}
	return t, nil
}

func (f *targetFlags) deployment(a *app.App, skillRef string) (*store.Deployment, error) {
	return a.FindDeployment(skillRef, f.project, f.tool)
}

func requireTool(f *targetFlags) error {
	if f.tool == "" {
		return &exitError{code: exitValidation, msg: "--tool is required"}
	}
	return nil
}

func newDeployCmd(rt *runtime) *cobra.Command {
	var tf targetFlags
	var force bool
	cmd := &cobra.Command{
		Use:   "deploy <skill>",
		Short: "Materialize a skill into a tool's skill directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTool(&tf); err != nil {
				return err
			}
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				t, err := tf.target(a)
				if err != nil {
					return err
				}
				res, err := a.Deploy(sk.ID, t, force)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Deployment == nil {
					if err := print(out, rt.jsonOutput, res, ""); err != nil {
						return err
					}
					return &exitError{code: exitConflict, msg: fmt.Sprintf(
						"%s already holds different content (%s); re-run with --force to overwrite",
						res.Path, shortSum(res.Conflict.ExistingChecksum))}
				}
				msg := fmt.Sprintf("deployed %s to %s (%d files)", sk.Name, res.Path, res.FilesCopied)
				if res.Conflict != nil {
					msg += fmt.Sprintf(" [%s]", res.Conflict.Status)
				}
				return print(out, rt.jsonOutput, res, msg)
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "overwrite a directory that holds different content")
	return cmd
}

func newSyncCmd(rt *runtime) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "sync <skill>",
		Short: "Re-export stored content to one deployment, or all with no --tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				var results []*registry.SyncResult
				if tf.tool != "" {
					d, err := tf.deployment(a, args[0])
					if err != nil {
						return err
					}
					res, err := a.Registry.Sync(d.ID)
					if err != nil {
						return err
					}
					results = append(results, res)
				} else {
					sk, err := a.FindSkill(args[0])
					if err != nil {
						return err
					}
					results, err = a.Registry.SyncAll(sk.ID)
					if err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, results, "")
				}
				for _, r := range results {
					fmt.Fprintf(out, "synced %s (%d files) %s -> %s\n", r.Path, r.FilesCopied, shortSum(r.OldChecksum), shortSum(r.NewChecksum))
				}
				if len(results) == 0 {
					fmt.Fprintln(out, "no deployments to sync")
				}
				return nil
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newUndeployCmd(rt *runtime) *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "undeploy <skill>",
		Short: "Remove a deployment and its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTool(&tf); err != nil {
				return err
			}
			return rt.withApp(func(a *app.App) error {
				d, err := tf.deployment(a, args[0])
				if err != nil {
					return err
				}
				if err := a.Undeploy(d.ID); err != nil {
					return err
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput,
					map[string]string{"removed": d.ID, "path": d.Path},
					"removed deployment "+d.Path)
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newPullCmd(rt *runtime) *cobra.Command {
	var tf targetFlags
	var syncOthers bool
	cmd := &cobra.Command{
		Use:   "pull <skill>",
		Short: "Replace stored content with a deployment's files",
		Long: `Imports the files of one deployment into the store, after a backup of the
current content. With --sync-others every other deployment is re-exported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireTool(&tf); err != nil {
				return err
			}
			return rt.withApp(func(a *app.App) error {
				d, err := tf.deployment(a, args[0])
				if err != nil {
					return err
				}
				res, err := a.Registry.UpdateFromDeployment(d.ID, syncOthers)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("pulled %d files from %s (backup %s)", res.FilesImported, d.Path, shortID(res.BackupID))
				if len(res.Synced) > 0 {
					msg += fmt.Sprintf("\nsynced %d other deployments", len(res.Synced))
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, res, msg)
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&syncOthers, "sync-others", false, "re-export every other deployment afterwards")
	return cmd
}

func newToolsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List supported tools and their skill directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				all := a.Tools.All()
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, all, "")
				}
				for _, t := range all {
					fmt.Fprintf(out, "%-16s %-24s project=%s global=%s\n", t.ID, t.Name, t.ProjectDir, t.GlobalDir)
				}
				return nil
			})
		},
	}
}
