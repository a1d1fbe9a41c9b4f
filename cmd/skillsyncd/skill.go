package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"skillsyncd/internal/app"
	"skillsyncd/internal/apperr"
	"skillsyncd/internal/store"
)

type skillView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Version      string `json:"version,omitempty"`
	Checksum     string `json:"checksum"`
	Pending      bool   `json:"pending"`
	Deployments  int    `json:"deployments"`
	LastModified string `json:"last_modified"`
}

func newSkillView(sk *store.Skill, deployments int) skillView {
	return skillView{
		ID:           sk.ID,
		Name:         sk.Name,
		Description:  sk.Description,
		Version:      sk.Version,
		Checksum:     sk.Checksum,
		Pending:      sk.Pending(),
		Deployments:  deployments,
		LastModified: sk.LastModified.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func newSkillCmd(rt *runtime) *cobra.Command {
	skillCmd := &cobra.Command{Use: "skill", Aliases: []string{"skills"}, Short: "Manage stored skills"}
	skillCmd.AddCommand(
		newSkillImportCmd(rt),
		newSkillListCmd(rt),
		newSkillFilesCmd(rt),
		newSkillCatCmd(rt),
		newSkillWriteCmd(rt),
		newSkillRemoveCmd(rt),
	)
	return skillCmd
}

func newSkillImportCmd(rt *runtime) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import a skill directory into the store",
		Long: `Reads every file under <dir> into the store. The skill name comes from
--name, then the SKILL.md frontmatter, then the directory name. Importing over
an existing skill takes a "before library update" backup first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				res, err := a.ImportSkill(args[0], name)
				if err != nil {
					return err
				}
				verb := "updated"
				if res.Created {
					verb = "imported"
				}
				msg := fmt.Sprintf("%s skill %s (%d files, %s)", verb, res.Skill.Name, res.Files, shortSum(res.Skill.Checksum))
				for _, w := range res.Warnings {
					msg += "\nwarning: " + w
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, res, msg)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "skill name (defaults to the frontmatter name)")
	return cmd
}

func newSkillListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored skills",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				skills, err := a.Store.ListSkills()
				if err != nil {
					return err
				}
				views := make([]skillView, 0, len(skills))
				for _, sk := range skills {
					deps, err := a.Store.ListSkillDeployments(sk.ID)
					if err != nil {
						return err
					}
					views = append(views, newSkillView(sk, len(deps)))
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, views, "")
				}
				if len(views) == 0 {
					fmt.Fprintln(out, "no skills stored")
					return nil
				}
				for _, v := range views {
					state := ""
					if v.Pending {
						state = " [pending]"
					}
					fmt.Fprintf(out, "- %s %s deployments=%d %s%s\n", v.Name, v.Version, v.Deployments, shortSum(v.Checksum), state)
				}
				return nil
			})
		},
	}
}

func newSkillFilesCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "files <skill>",
		Short: "List a skill's stored files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				files, err := a.Store.ListFiles(sk.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rt.jsonOutput {
					return print(out, true, files, "")
				}
				for _, f := range files {
					fmt.Fprintln(out, f)
				}
				return nil
			})
		},
	}
}

func newSkillCatCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <skill> <path>",
		Short: "Print one stored file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				data, err := a.Store.ReadFile(sk.ID, args[1])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func newSkillWriteCmd(rt *runtime) *cobra.Command {
	var from string
	var syncAll bool
	cmd := &cobra.Command{
		Use:   "write <skill> <path>",
		Short: "Write one stored file from --from or stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if from != "" {
				content, err = os.ReadFile(from)
			} else {
				content, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return apperr.IO("write skill file", err)
			}

			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				sum, err := a.WriteSkillFile(sk.ID, args[1], content)
				if err != nil {
					return err
				}
				payload := map[string]any{"skill": sk.Name, "path": args[1], "checksum": sum}
				msg := fmt.Sprintf("wrote %s/%s (%s)", sk.Name, args[1], shortSum(sum))
				if syncAll {
					synced, err := a.Registry.SyncAll(sk.ID)
					if err != nil {
						return err
					}
					payload["synced"] = synced
					msg += fmt.Sprintf("\nsynced %d deployments", len(synced))
				}
				return print(cmd.OutOrStdout(), rt.jsonOutput, payload, msg)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "read content from this file instead of stdin")
	cmd.Flags().BoolVar(&syncAll, "sync", false, "re-export every deployment of the skill afterwards")
	return cmd
}

func newSkillRemoveCmd(rt *runtime) *cobra.Command {
	var file string
	var undeploy bool
	cmd := &cobra.Command{
		Use:     "remove <skill>",
		Aliases: []string{"rm"},
		Short:   "Remove a skill, or one of its files with --file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				sk, err := a.FindSkill(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if file != "" {
					sum, err := a.DeleteSkillFile(sk.ID, file)
					if err != nil {
						return err
					}
					return print(out, rt.jsonOutput,
						map[string]string{"skill": sk.Name, "removed": file, "checksum": sum},
						fmt.Sprintf("removed %s/%s", sk.Name, file))
				}
				if err := a.RemoveSkill(sk.ID, undeploy); err != nil {
					return err
				}
				return print(out, rt.jsonOutput, map[string]string{"removed": sk.Name}, "removed skill "+sk.Name)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "remove only this stored file")
	cmd.Flags().BoolVar(&undeploy, "undeploy", false, "also delete the skill's deployment directories")
	return cmd
}
