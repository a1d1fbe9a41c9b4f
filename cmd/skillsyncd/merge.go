package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"skillsyncd/internal/app"
	"skillsyncd/internal/merge"
)

func newDiffCmd(rt *runtime) *cobra.Command {
	var tf targetFlags
	var dirs, noColor bool
	cmd := &cobra.Command{
		Use:   "diff <skill> --tool <tool> | diff --dirs <a> <b>",
		Short: "Show how a deployment differs from the store",
		Args: func(cmd *cobra.Command, args []string) error {
			if dirs {
				return cobra.ExactArgs(2)(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dirs {
				if err := requireTool(&tf); err != nil {
					return err
				}
			}
			return rt.withApp(func(a *app.App) error {
				var dd *merge.DirDiff
				var err error
				if dirs {
					dd, err = merge.DiffDirs(args[0], args[1], a.Walk())
				} else {
					d, ferr := tf.deployment(a, args[0])
					if ferr != nil {
						return ferr
					}
					dd, err = a.DiffDeployment(d.ID)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, dd, "")
				}
				writeDirDiff(out, dd, !noColor && colorable(out))
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&dirs, "dirs", false, "compare two directories instead of a deployment")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "never color the diff")
	return cmd
}

// colorable reports whether w is a terminal and NO_COLOR is unset.
func colorable(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

const (
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiCyan  = "\x1b[36m"
)

func paint(color bool, code, s string) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func writeDirDiff(w io.Writer, dd *merge.DirDiff, color bool) {
	for _, f := range dd.Files {
		if f.Status == merge.StatusUnchanged {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", f.Status, f.Path)
		if f.Binary {
			fmt.Fprintln(w, "  (binary)")
			continue
		}
		for _, h := range f.Hunks {
			header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
			fmt.Fprintln(w, paint(color, ansiCyan, header))
			for _, l := range h.Lines {
				code := ""
				switch l.Tag {
				case merge.TagInsert:
					code = ansiGreen
				case merge.TagDelete:
					code = ansiRed
				}
				fmt.Fprintln(w, paint(color, code, l.Tag+l.Content))
			}
		}
	}
	s := dd.Summary
	fmt.Fprintf(w, "added=%d removed=%d modified=%d unchanged=%d\n", s.Added, s.Removed, s.Modified, s.Unchanged)
}

// Conflict preferences for merge --prefer.
const (
	preferLocal      = "local"
	preferDeployment = "deployment"
)

// resolveMerge returns the resolutions for res and the paths still
// conflicted. With a preference, conflicted files take that side; a side
// that lacks the file resolves to a delete.
func resolveMerge(res *merge.Result, prefer string) ([]merge.Resolution, []string) {
	resolutions := res.Resolutions()
	var open []string
	for _, f := range res.Files {
		if !f.Conflicted() {
			continue
		}
		switch prefer {
		case preferLocal:
			if f.Status == merge.MergeDeletedLeft {
				resolutions = append(resolutions, merge.Resolution{Path: f.Path, Delete: true})
			} else {
				resolutions = append(resolutions, merge.Resolution{Path: f.Path, Content: f.Left})
			}
		case preferDeployment:
			if f.Status == merge.MergeDeletedRight {
				resolutions = append(resolutions, merge.Resolution{Path: f.Path, Delete: true})
			} else {
				resolutions = append(resolutions, merge.Resolution{Path: f.Path, Content: f.Right})
			}
		default:
			open = append(open, f.Path)
		}
	}
	return resolutions, open
}

func newMergeCmd(rt *runtime) *cobra.Command {
	var tf targetFlags
	var baseRef string
	var prefer string
	var apply bool
	var syncAll bool
	var dirs bool
	var outDir string
	cmd := &cobra.Command{
		Use:   "merge <skill> --tool <tool> | merge --dirs <base> <left> <right> [--out <dir>]",
		Short: "Three-way merge a deployment's edits into the store",
		Long: `Merges the stored skill (LOCAL) with one deployment directory (DEPLOYMENT).
The common ancestor is --base, or the backup of the skill's pending episode.
Without --apply the merge is only previewed. Conflicts must be settled with
--prefer local|deployment before --apply writes anything.

With --dirs the three arguments are plain directories (base may be "-" for
none; left plays LOCAL, right DEPLOYMENT). --out writes the merged tree to a
target directory instead of previewing.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if dirs {
				return cobra.ExactArgs(3)(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch prefer {
			case "", preferLocal, preferDeployment:
			default:
				return &exitError{code: exitValidation, msg: fmt.Sprintf("--prefer must be %s or %s", preferLocal, preferDeployment)}
			}
			if dirs {
				return rt.withApp(func(a *app.App) error {
					return mergeDirs(cmd, rt, a, args, prefer, outDir)
				})
			}
			if err := requireTool(&tf); err != nil {
				return err
			}

			return rt.withApp(func(a *app.App) error {
				d, err := tf.deployment(a, args[0])
				if err != nil {
					return err
				}
				baseID := ""
				if baseRef != "" {
					sk, err := a.Store.GetSkill(d.SkillID)
					if err != nil {
						return err
					}
					b, err := findBackup(a, sk, baseRef)
					if err != nil {
						return err
					}
					baseID = b.ID
				}

				res, err := a.MergeDeployment(d.ID, baseID)
				if err != nil {
					return err
				}
				resolutions, open := resolveMerge(res, prefer)

				out := cmd.OutOrStdout()
				if !apply {
					if rt.jsonOutput {
						return print(out, true, res, "")
					}
					writeMergeResult(out, res)
					return nil
				}
				if len(open) > 0 {
					return &exitError{code: exitConflict, msg: fmt.Sprintf(
						"%d conflicted files need --prefer: %s", len(open), strings.Join(open, ", "))}
				}

				applied, err := a.ApplyMergeToSkill(d.SkillID, resolutions)
				if err != nil {
					return err
				}
				payload := map[string]any{"merge": res, "applied": applied}
				msg := fmt.Sprintf("merged %d files into %s (backup %s)", applied.Applied, d.SkillName, shortID(applied.BackupID))
				if syncAll {
					synced, err := a.Registry.SyncAll(d.SkillID)
					if err != nil {
						return err
					}
					payload["synced"] = synced
					msg += fmt.Sprintf("\nsynced %d deployments", len(synced))
				}
				return print(out, rt.jsonOutput, payload, msg)
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&baseRef, "base", "", "backup to use as the common ancestor")
	cmd.Flags().StringVar(&prefer, "prefer", "", "settle conflicts with local|deployment")
	cmd.Flags().BoolVar(&apply, "apply", false, "write the merged result into the store")
	cmd.Flags().BoolVar(&syncAll, "sync", false, "with --apply, re-export every deployment afterwards")
	cmd.Flags().BoolVar(&dirs, "dirs", false, "merge three directories instead of a deployment")
	cmd.Flags().StringVar(&outDir, "out", "", "with --dirs, write the merged tree here")
	return cmd
}

func mergeDirs(cmd *cobra.Command, rt *runtime, a *app.App, args []string, prefer, outDir string) error {
	base := args[0]
	if base == "-" {
		base = ""
	}
	res, err := merge.MergeDirs(base, args[1], args[2], a.Walk())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outDir == "" {
		if rt.jsonOutput {
			return print(out, true, res, "")
		}
		writeMergeResult(out, res)
		return nil
	}

	resolutions, open := resolveMerge(res, prefer)
	if len(open) > 0 {
		return &exitError{code: exitConflict, msg: fmt.Sprintf(
			"%d conflicted files need --prefer: %s", len(open), strings.Join(open, ", "))}
	}
	n, err := merge.Apply(outDir, resolutions)
	if err != nil {
		return err
	}
	payload := map[string]any{"merge": res, "written": n, "target": outDir}
	return print(out, rt.jsonOutput, payload, fmt.Sprintf("wrote %d files to %s", n, outDir))
}

func writeMergeResult(w io.Writer, res *merge.Result) {
	for _, f := range res.Files {
		if f.Status == merge.MergeUnchanged {
			continue
		}
		fmt.Fprintf(w, "%-13s %s\n", f.Status, f.Path)
		if f.Status == merge.MergeConflict && !strings.ContainsRune(string(f.Merged), 0) {
			for _, line := range strings.SplitAfter(string(f.Merged), "\n") {
				if line != "" {
					fmt.Fprintf(w, "  %s\n", strings.TrimSuffix(line, "\n"))
				}
			}
		}
	}
	fmt.Fprintf(w, "files=%d auto_merged=%d conflicts=%d\n", res.TotalFiles, res.AutoMerged, res.Conflicts)
}
