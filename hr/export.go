package hr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot files produced by an org export.
const (
	UsersFlatFile = "users_flat.json"
	OrgViewerFile = "org_for_viewer.json"
	OrgTreeFile   = "org_tree.json"
	ManagersFile  = "managers.json"
)

// OrgExportOptions configure a single org export run.
type OrgExportOptions struct {
	// OutputDir receives the JSON snapshots; empty means the working
	// directory.
	OutputDir string
	// UserFilter is an optional OData expression passed through as $filter.
	UserFilter string
	// ManagersPath points at an explicit managers file. When empty the
	// well-known names are probed, and absent those the directory is asked.
	ManagersPath string
	// SaveManagers persists the resolved child-to-manager map next to the
	// snapshots, so later runs can skip the batch lookups.
	SaveManagers bool
}

// ExportOrg runs the full directory export: verify credentials, page all
// users, resolve managers (from a local file when one exists, else through
// the $batch endpoint), build the reporting forest and write the three JSON
// snapshots.
func (c *Client) ExportOrg(ctx context.Context, opts OrgExportOptions) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("Authenticated to Microsoft Graph")
	AssertRoles(c.logger, token)

	if err := c.ProbeOrganization(ctx); err != nil {
		c.logger.Warnf("Organization probe issue: %v", err)
	}

	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	users, err := c.FetchAllUsers(ctx, opts.UserFilter)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		c.logger.Warn("No users returned")
		for _, name := range []string{UsersFlatFile, OrgViewerFile, OrgTreeFile} {
			if err := writeJSONFile(filepath.Join(opts.OutputDir, name), []any{}); err != nil {
				return err
			}
		}
		return nil
	}

	var managers map[string]*string
	managersPath := AutodetectManagersPath(opts.ManagersPath)
	if managersPath != "" {
		c.logger.Infof("Using managers file: %s", managersPath)
		managers, err = LoadManagersFile(managersPath)
	} else {
		c.logger.Infof("No local managers file found; resolving managers from the directory for %d users", len(users))
		ids := make([]string, 0, len(users))
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		managers, err = c.ResolveManagers(ctx, ids)
	}
	if err != nil {
		return err
	}

	roots, viewer := BuildHierarchy(users, managers)

	if err := writeJSONFile(filepath.Join(opts.OutputDir, UsersFlatFile), users); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(opts.OutputDir, OrgViewerFile), viewer); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(opts.OutputDir, OrgTreeFile), roots); err != nil {
		return err
	}
	c.logger.Infof("Wrote %s (%d users), %s (%d nodes), %s (%d roots)",
		UsersFlatFile, len(users), OrgViewerFile, len(viewer), OrgTreeFile, len(roots))

	if opts.SaveManagers && managersPath == "" {
		if err := SaveManagersFile(filepath.Join(opts.OutputDir, ManagersFile), managers); err != nil {
			return err
		}
		c.logger.Infof("Saved resolved managers to %s", ManagersFile)
	}
	return nil
}

// writeJSONFile pretty-prints v without HTML escaping, matching the
// snapshots the org viewer expects.
func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
