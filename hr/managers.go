package hr

import (
	"encoding/json"
	"fmt"
	"os"
)

// managersFileCandidates are the well-known managers file names probed in
// the working directory when no explicit path is configured.
var managersFileCandidates = []string{
	"managers.json",
	"manager_map.json",
	"managers_map.json",
	"child_to_manager.json",
}

// AutodetectManagersPath returns the first existing managers file: the
// explicit path when given and present, else the well-known names in the
// working directory. Empty means none was found and the directory should be
// asked instead.
func AutodetectManagersPath(explicit string) string {
	candidates := append([]string{explicit}, managersFileCandidates...)
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadManagersFile reads a child-to-manager map from a JSON file. Four
// shapes are accepted:
//
//	{"child": "manager", ...}
//	{"manager": ["child", ...], ...}
//	[{"managerId": "...", "reports": ["child", ...]}, ...]
//	[{"id": "child", "managerId": "..."}, ...]
//
// A null manager marks a top-of-tree user. Rows that fit none of the shapes
// are skipped.
func LoadManagersFile(path string) (map[string]*string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read managers file: %w", err)
	}

	managers := make(map[string]*string)

	switch jsonLead(raw) {
	case '{':
		var asMap map[string]json.RawMessage
		if err := json.Unmarshal(raw, &asMap); err != nil {
			return nil, fmt.Errorf("unsupported managers file format: %w", err)
		}
		anyList := false
		for _, v := range asMap {
			if jsonLead(v) == '[' {
				anyList = true
				break
			}
		}
		if anyList {
			for mgr, v := range asMap {
				var kids []string
				if err := json.Unmarshal(v, &kids); err != nil {
					continue
				}
				m := mgr
				for _, kid := range kids {
					managers[kid] = &m
				}
			}
		} else {
			for child, v := range asMap {
				var mgr *string
				if err := json.Unmarshal(v, &mgr); err != nil {
					return nil, fmt.Errorf("unsupported managers file format: %w", err)
				}
				managers[child] = mgr
			}
		}

	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("unsupported managers file format: %w", err)
		}
		for _, r := range rows {
			var row map[string]json.RawMessage
			if err := json.Unmarshal(r, &row); err != nil {
				continue
			}
			rawMgr, hasMgr := row["managerId"]
			if rawReports, ok := row["reports"]; ok && hasMgr && jsonLead(rawReports) == '[' {
				var kids []string
				if err := json.Unmarshal(rawReports, &kids); err != nil {
					continue
				}
				var mgr *string
				_ = json.Unmarshal(rawMgr, &mgr)
				for _, kid := range kids {
					managers[kid] = mgr
				}
				continue
			}
			if rawID, ok := row["id"]; ok && hasMgr {
				var child string
				if err := json.Unmarshal(rawID, &child); err != nil || child == "" {
					continue
				}
				var mgr *string
				_ = json.Unmarshal(rawMgr, &mgr)
				managers[child] = mgr
			}
		}

	default:
		return nil, fmt.Errorf("unsupported managers file format in %s", path)
	}

	return managers, nil
}

// SaveManagersFile writes the child-to-manager map as JSON through a temp
// file and rename, so readers never observe a partial map.
func SaveManagersFile(path string, managers map[string]*string) error {
	data, err := json.Marshal(managers)
	if err != nil {
		return fmt.Errorf("failed to marshal managers: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write managers file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write managers file: %w", err)
	}
	return nil
}

// jsonLead returns the first non-whitespace byte of a JSON document, or 0
// when blank.
func jsonLead(raw []byte) byte {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}
