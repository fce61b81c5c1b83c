package db

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gopkg.in/yaml.v3"
)

// PlanFile is the YAML document accepted by `lode plan apply`.
type PlanFile struct {
	Plans []PlanFileEntry `yaml:"plans"`
	Items []ItemFileEntry `yaml:"items"`
}

// PlanFileEntry declares one source database and its target views.
type PlanFileEntry struct {
	Server   string              `yaml:"server"`
	Filepath string              `yaml:"filepath"`
	Enabled  *bool               `yaml:"enabled"`
	Notes    string              `yaml:"notes"`
	Views    []PlanFileViewEntry `yaml:"views"`
}

// PlanFileViewEntry declares one canonical view name within a plan.
type PlanFileViewEntry struct {
	Name     string `yaml:"name"`
	Enabled  *bool  `yaml:"enabled"`
	Regex    string `yaml:"regex"`
	Priority *int   `yaml:"priority"`
}

// ItemFileEntry seeds the items catalog, typically to pin notes_filter.
type ItemFileEntry struct {
	Name   string `yaml:"name"`
	Filter *int64 `yaml:"filter"`
}

// ApplyStats counts the rows touched by ApplyPlanFile.
type ApplyStats struct {
	Plans int
	Views int
	Items int
}

// ApplyPlanFile upserts the plans, plan views and catalog items declared in
// a YAML plan file. The whole file is applied in one transaction.
func (s *Sink) ApplyPlanFile(ctx context.Context, data []byte) (ApplyStats, error) {
	var pf PlanFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return ApplyStats{}, fmt.Errorf("failed to parse plan file: %w", err)
	}
	var stats ApplyStats
	err := s.Tx(ctx, func(tx *Sink) error {
		for _, entry := range pf.Plans {
			server := strings.TrimSpace(entry.Server)
			filepath := strings.TrimSpace(entry.Filepath)
			if server == "" || filepath == "" {
				return fmt.Errorf("plan entry missing server or filepath")
			}
			plan := IngestionPlan{
				ServerName: server,
				Filepath:   filepath,
				Enabled:    entry.Enabled == nil || *entry.Enabled,
			}
			if notes := strings.TrimSpace(entry.Notes); notes != "" {
				plan.Notes = &notes
			}
			err := tx.gdb.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "server_name"}, {Name: "filepath"}},
				DoUpdates: clause.AssignmentColumns([]string{"enabled", "notes"}),
			}).Create(&plan).Error
			if err != nil {
				return fmt.Errorf("failed to upsert plan %s!!%s: %w", server, filepath, err)
			}
			if plan.ID == 0 {
				if err := tx.gdb.WithContext(ctx).
					Where("server_name = ? AND filepath = ?", server, filepath).
					First(&plan).Error; err != nil {
					return fmt.Errorf("failed to read back plan %s!!%s: %w", server, filepath, err)
				}
			}
			stats.Plans++

			for _, ve := range entry.Views {
				canon := strings.ToLower(strings.TrimSpace(ve.Name))
				if canon == "" {
					return fmt.Errorf("plan %s!!%s has a view without a name", server, filepath)
				}
				view := IngestionPlanView{
					PlanID:    plan.ID,
					CanonName: canon,
					Enabled:   ve.Enabled == nil || *ve.Enabled,
					Priority:  100,
				}
				if ve.Priority != nil {
					view.Priority = *ve.Priority
				}
				if regex := strings.TrimSpace(ve.Regex); regex != "" {
					view.RegexOverride = &regex
				}
				err := tx.gdb.WithContext(ctx).Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "plan_id"}, {Name: "canon_name"}},
					DoUpdates: clause.AssignmentColumns([]string{"enabled", "regex_override", "priority"}),
				}).Create(&view).Error
				if err != nil {
					return fmt.Errorf("failed to upsert plan view %q: %w", canon, err)
				}
				stats.Views++
			}
		}

		for _, ie := range pf.Items {
			name := strings.TrimSpace(ie.Name)
			if name == "" {
				return fmt.Errorf("item entry missing name")
			}
			item := Item{
				Name:        name,
				NameLC:      strings.ToLower(name),
				NotesFilter: ie.Filter,
			}
			err := tx.gdb.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name_lc"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "notes_filter"}),
			}).Create(&item).Error
			if err != nil {
				return fmt.Errorf("failed to seed item %q: %w", name, err)
			}
			stats.Items++
		}
		return nil
	})
	if err != nil {
		return ApplyStats{}, err
	}
	return stats, nil
}

// LoadPlans returns the enabled plans with their enabled views, ordered the
// way the extraction runner walks them. Blank regex overrides come back as
// nil.
func (s *Sink) LoadPlans(ctx context.Context) ([]IngestionPlan, error) {
	var plans []IngestionPlan
	err := s.gdb.WithContext(ctx).
		Where("enabled = ?", true).
		Order("server_name, filepath").
		Preload("Views", func(db *gorm.DB) *gorm.DB {
			return db.Where("enabled = ?", true).Order("priority, canon_name")
		}).
		Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load ingestion plans: %w", err)
	}
	for i := range plans {
		for j := range plans[i].Views {
			ov := plans[i].Views[j].RegexOverride
			if ov != nil && strings.TrimSpace(*ov) == "" {
				plans[i].Views[j].RegexOverride = nil
			}
		}
	}
	return plans, nil
}

// ListPlans returns every plan with all of its views, for display.
func (s *Sink) ListPlans(ctx context.Context) ([]IngestionPlan, error) {
	var plans []IngestionPlan
	err := s.gdb.WithContext(ctx).
		Order("server_name, filepath").
		Preload("Views", func(db *gorm.DB) *gorm.DB {
			return db.Order("priority, canon_name")
		}).
		Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion plans: %w", err)
	}
	return plans, nil
}
