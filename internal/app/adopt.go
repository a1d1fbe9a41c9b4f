package app

import (
	"errors"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/registry"
	"skillsyncd/internal/store"
)

// AdoptOptions selects where AdoptUntracked looks.
type AdoptOptions struct {
	// ProjectIDs limits the project scan. Empty scans every project.
	ProjectIDs []string
	// Global also scans the tool directories under the global root.
	Global bool
	// DryRun reports the candidates without importing or recording anything.
	DryRun bool
}

// Adoption is one untracked skill directory and what became of it.
type Adoption struct {
	Path         string                 `json:"path"`
	Tool         string                 `json:"tool"`
	ProjectID    string                 `json:"project_id,omitempty"`
	SkillName    string                 `json:"skill_name"`
	SkillID      string                 `json:"skill_id,omitempty"`
	Imported     bool                   `json:"imported"`
	DeploymentID string                 `json:"deployment_id,omitempty"`
	Status       store.DeploymentStatus `json:"status,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// AdoptReport summarizes AdoptUntracked.
type AdoptReport struct {
	Found    int        `json:"found"`
	Imported int        `json:"imported"`
	Adopted  int        `json:"adopted"`
	Failed   int        `json:"failed"`
	Items    []Adoption `json:"items"`
}

// AdoptUntracked records skill directories that sit in tool skill
// directories without a deployment row. The directory name is the skill
// name. A skill the store does not know, or knows without files, is imported
// from the directory first; otherwise the stored content wins and the new
// deployment is synced or diverged by fingerprint. Pending untracked events
// for adopted directories are accepted. One failing directory is reported
// and the rest still run.
func (a *App) AdoptUntracked(opts AdoptOptions) (*AdoptReport, error) {
	var projects []*store.Project
	if len(opts.ProjectIDs) == 0 {
		all, err := a.Store.ListProjects()
		if err != nil {
			return nil, err
		}
		projects = all
	} else {
		for _, id := range opts.ProjectIDs {
			p, err := a.Store.GetProject(id)
			if err != nil {
				return nil, err
			}
			projects = append(projects, p)
		}
	}

	globalRoot := ""
	if opts.Global {
		globalRoot = a.Registry.GlobalRoot()
	}
	found, err := a.Reconciler.FindUntracked(projects, globalRoot)
	if err != nil {
		return nil, err
	}

	report := &AdoptReport{Found: len(found)}
	for _, u := range found {
		item := Adoption{Path: u.Path, Tool: u.Tool, ProjectID: u.ProjectID, SkillName: u.Name}
		if sk, err := a.Store.GetSkillByName(u.Name); err == nil {
			item.SkillID = sk.ID
		}
		if opts.DryRun {
			report.Items = append(report.Items, item)
			continue
		}

		if err := a.adopt(&item, u.Ref()); err != nil {
			a.logger.Warn("could not adopt skill directory", "path", u.Path, "error", err)
			item.Error = err.Error()
			report.Failed++
		} else {
			report.Adopted++
			if item.Imported {
				report.Imported++
			}
		}
		report.Items = append(report.Items, item)
	}

	a.logger.Info("adopted untracked skill directories",
		"found", report.Found, "adopted", report.Adopted, "imported", report.Imported, "failed", report.Failed)
	return report, nil
}

func (a *App) adopt(item *Adoption, ref string) error {
	if err := registry.ValidateSkillName(item.SkillName); err != nil {
		return err
	}

	needImport := item.SkillID == ""
	if !needImport {
		paths, err := a.Store.ListFiles(item.SkillID)
		if err != nil {
			return err
		}
		needImport = len(paths) == 0
	}
	if needImport {
		res, err := a.ImportSkill(item.Path, item.SkillName)
		if err != nil {
			return err
		}
		item.SkillID = res.Skill.ID
		item.Imported = true
	}

	d, err := a.Registry.Adopt(item.SkillID, registry.Target{ProjectID: item.ProjectID, Tool: item.Tool})
	if err != nil {
		return err
	}
	item.DeploymentID, item.Status = d.ID, d.Status

	if _, err := a.Store.ResolveSubjectEvents(ref, store.ResolutionAccepted); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		a.logger.Warn("could not resolve untracked events", "subject", ref, "error", err)
	}
	a.watchRoot(d.Path)
	return nil
}
