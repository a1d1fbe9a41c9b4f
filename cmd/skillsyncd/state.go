package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skillsyncd/internal/app"
	"skillsyncd/internal/apperr"
	"skillsyncd/internal/store"
)

func newCheckCmd(rt *runtime) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Classify every deployment against the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				rep, err := a.Reconciler.CheckConsistency()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					if err := print(out, true, rep, ""); err != nil {
						return err
					}
				} else {
					for _, d := range rep.Details {
						fmt.Fprintf(out, "%-9s %s (%s) %s\n", d.Status, d.SkillName, d.Tool, d.Path)
					}
					fmt.Fprintf(out, "total=%d synced=%d diverged=%d missing=%d failed=%d\n",
						rep.Total, rep.Synced, rep.Diverged, rep.Missing, rep.Failed)
				}
				if strict && rep.Synced != rep.Total {
					return &exitError{code: exitConflict, msg: fmt.Sprintf("%d of %d deployments are not synced", rep.Total-rep.Synced, rep.Total)}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero unless every deployment is synced")
	return cmd
}

func newReconcileCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Record deployment drift and scan for untracked skill directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				rep, err := a.Reconciler.ReconcileAll()
				if err != nil {
					return err
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, rep, fmt.Sprintf(
					"checked=%d synced=%d missing=%d diverged=%d untracked=%d events=%d failed=%d",
					rep.Checked, rep.Synced, rep.MissingDetected, rep.DivergedDetected,
					rep.UntrackedFound, rep.EventsCreated, rep.Failed))
			})
		},
	}
}

func newAcceptCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <skill>",
		Short: "Keep an external edit and end the pending episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				res, err := a.Resolver.Accept(sk.ID)
				if err != nil {
					return err
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, res,
					fmt.Sprintf("accepted change to %s (%d events)", sk.Name, res.EventsResolved))
			})
		},
	}
}

func newDiscardCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <skill>",
		Short: "Undo an external edit from the episode backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				res, err := a.Resolver.Discard(sk.ID)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("discarded change to %s", sk.Name)
				if res.Restored {
					msg += fmt.Sprintf(" (restored %d files)", res.FilesRestored)
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, res, msg)
			})
		},
	}
}

func newEventsCmd(rt *runtime) *cobra.Command {
	var skillRef string
	var resolution string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded change events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				f := store.EventFilter{Resolution: store.Resolution(resolution), Limit: limit}
				if skillRef != "" {
					sk, err := a.FindSkill(skillRef)
					if err != nil {
						return err
					}
					f.SkillID = sk.ID
				}
				events, err := a.Store.ListChangeEvents(f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, events, "")
				}
				if len(events) == 0 {
					fmt.Fprintln(out, "no events")
					return nil
				}
				for _, e := range events {
					subject := e.RelPath
					if subject == "" {
						subject = e.SubjectRef
					}
					fmt.Fprintf(out, "%s %s %-8s %-9s %-9s %s\n",
						e.CreatedAt.Format("2006-01-02 15:04:05"), shortID(e.ID), e.Resolution, e.Source, e.Type, subject)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&skillRef, "skill", "", "only events for this skill")
	cmd.Flags().StringVar(&resolution, "resolution", "", "pending|accepted|reverted|ignored")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list (0 for all)")
	return cmd
}

func newBackupCmd(rt *runtime) *cobra.Command {
	backupCmd := &cobra.Command{Use: "backup", Aliases: []string{"backups"}, Short: "List and restore skill backups"}

	listCmd := &cobra.Command{
		Use:     "list <skill>",
		Aliases: []string{"ls"},
		Short:   "List a skill's backups, newest first",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				backups, err := a.Store.ListBackups(sk.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, backups, "")
				}
				if len(backups) == 0 {
					fmt.Fprintln(out, "no backups")
					return nil
				}
				for _, b := range backups {
					fmt.Fprintf(out, "%s %s files=%d %s %q\n",
						shortID(b.ID), b.CreatedAt.Format("2006-01-02 15:04:05"), b.FileCount, shortSum(b.Checksum), b.Reason)
				}
				return nil
			})
		},
	}

	var syncAll bool
	restoreCmd := &cobra.Command{
		Use:   "restore <skill> <backup>",
		Short: "Replace stored content with a backup (an ID or unique ID prefix)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				b, err := findBackup(a, sk, args[1])
				if err != nil {
					return err
				}
				res, err := a.Registry.RestoreBackup(b.ID, syncAll)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("restored %s from %s (%d files, safety backup %s)",
					sk.Name, shortID(b.ID), res.FilesRestored, shortID(res.SafetyBackupID))
				if len(res.Synced) > 0 {
					msg += fmt.Sprintf("\nsynced %d deployments", len(res.Synced))
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, res, msg)
			})
		},
	}
	restoreCmd.Flags().BoolVar(&syncAll, "sync", false, "re-export every deployment afterwards")

	backupCmd.AddCommand(listCmd, restoreCmd)
	return backupCmd
}

func findBackup(a *app.App, sk *store.Skill, ref string) (*store.Backup, error) {
	if ref == "" {
		return nil, apperr.Validation("find backup", "backup id is empty")
	}
	backups, err := a.Store.ListBackups(sk.ID)
	if err != nil {
		return nil, err
	}
	var match *store.Backup
	for _, b := range backups {
		if b.ID == ref {
			return b, nil
		}
		if strings.HasPrefix(b.ID, ref) {
			if match != nil {
				return nil, apperr.Validation("find backup", "backup prefix %q is ambiguous", ref)
			}
			match = b
		}
	}
	if match == nil {
		return nil, apperr.NotFound("find backup", "skill %s has no backup %q", sk.Name, ref)
	}
	return match, nil
}
