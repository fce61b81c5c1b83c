package etl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"lode.evalgo.org/bridge"
)

// Views whose names start with these prefixes are never selected.
var excludePrefixes = []string{"..admin", "*help", "*aide", "(lookup"}

// SelectedView pairs a canonical plan target with the upstream view it
// resolved to.
type SelectedView struct {
	Canon    string
	ViewName string
	View     bridge.View
}

// Selector resolves a plan's canonical view names against the actual view
// names of an opened database.
type Selector struct {
	logger         *logrus.Logger
	contains       map[string][]string
	maxSuggestions int
}

// NewSelector builds a selector over the given synonym table.
func NewSelector(logger *logrus.Logger, synonyms map[string][]string) *Selector {
	return &Selector{
		logger:         logger,
		contains:       BuildContainsMap(synonyms),
		maxSuggestions: 20,
	}
}

func isExcluded(viewName string) bool {
	low := strings.TrimSpace(strings.ToLower(viewName))
	for _, p := range excludePrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}

// prefer reports whether candidate should replace current. The english
// variant of a bilingual view wins over anything else.
func prefer(current, candidate string) bool {
	if current == "" {
		return true
	}
	currEN := strings.Contains(strings.ToLower(current), "english / anglais")
	candEN := strings.Contains(strings.ToLower(candidate), "english / anglais")
	return !currEN && candEN
}

type decoratedView struct {
	fullRaw  string
	leafRaw  string
	fullNorm string
	leafNorm string
}

// SelectViews resolves the plan's canonical targets to concrete views, in
// target order. A canon without a match is skipped; when nothing matches
// at all the visible view names and override suggestions are logged and an
// empty slice is returned.
func (s *Selector) SelectViews(db bridge.Database, targets []string, overrides map[string]string, planID uint64) ([]SelectedView, error) {
	names, err := db.ViewNames()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate views: %w", err)
	}

	s.logger.Info("All available views in the database:")
	for _, n := range names {
		s.logger.Infof("  - %s", n)
	}

	decorated := make([]decoratedView, 0, len(names))
	for _, n := range names {
		leaf := LeafName(n)
		decorated = append(decorated, decoratedView{
			fullRaw:  n,
			leafRaw:  leaf,
			fullNorm: Normalize(n),
			leafNorm: Normalize(leaf),
		})
	}

	chosen := make(map[string]string, len(targets))
	for _, canon := range targets {
		var needles []string
		if override := overrides[canon]; override != "" {
			needles = []string{Normalize(override), strings.ToLower(override)}
		} else if mapped, ok := s.contains[strings.ToLower(canon)]; ok {
			needles = mapped
		} else {
			needles = []string{strings.ToLower(canon)}
		}
		cleaned := needles[:0:0]
		for _, n := range needles {
			n = strings.TrimSpace(collapseSpaces(n))
			if n != "" {
				cleaned = append(cleaned, n)
			}
		}
		needles = cleaned
		s.logger.Debugf("Matching canon=%q with needles=%q", canon, needles)

		for _, d := range decorated {
			if isExcluded(d.fullRaw) {
				continue
			}
			matched := false
			for _, n := range needles {
				if strings.Contains(d.fullNorm, n) || strings.Contains(d.leafNorm, n) ||
					strings.Contains(strings.ToLower(d.fullRaw), n) || strings.Contains(strings.ToLower(d.leafRaw), n) {
					matched = true
					break
				}
			}
			if matched && prefer(chosen[canon], d.fullRaw) {
				chosen[canon] = d.fullRaw
			}
		}
	}

	var selected []SelectedView
	for _, canon := range targets {
		name, ok := chosen[canon]
		if !ok {
			continue
		}
		view, err := db.View(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open selected view %q: %w", name, err)
		}
		selected = append(selected, SelectedView{Canon: canon, ViewName: name, View: view})
	}

	if len(selected) == 0 {
		s.logger.Warn("None of the plan's requested views were found by synonyms/overrides")
		show := names
		if len(show) > s.maxSuggestions {
			show = show[:s.maxSuggestions]
		}
		if len(show) > 0 {
			s.logger.Infof("Here are some visible view names (first %d):", len(show))
			for _, n := range show {
				s.logger.Infof("  - %s", n)
			}
			if planID != 0 && len(targets) > 0 {
				s.logger.Info("Suggested SQL to pin regex_override (copy one per canon):")
				for _, canon := range targets {
					s.logger.Info(SuggestOverrideSQL(planID, canon, show[0]))
				}
				s.logger.Info("-- Replace the suggested view name with the exact one from the list above, then re-run")
			}
		}
		return nil, nil
	}

	s.logger.Infof("Selected %d view(s) for this plan:", len(selected))
	for _, sel := range selected {
		s.logger.Infof("  - %s  =>  %s", sel.Canon, sel.ViewName)
	}
	return selected, nil
}

var sqlRegexMeta = regexp.MustCompile(`([.^$*+?{}\[\]\\|()])`)

// escapeRegexLiteralSQL quotes a literal view name so it can be pasted into
// a regex_override column: SQL escaping first, then regex escaping, then
// case-insensitive whole-string anchors.
func escapeRegexLiteralSQL(s string) string {
	esc := strings.ReplaceAll(s, `\`, `\\`)
	esc = strings.ReplaceAll(esc, "'", "''")
	esc = sqlRegexMeta.ReplaceAllString(esc, `\$1`)
	return "(?i)^" + esc + "$"
}

// SuggestOverrideSQL renders the UPDATE statement that pins a canon to an
// exact upstream view name.
func SuggestOverrideSQL(planID uint64, canon, viewName string) string {
	return fmt.Sprintf(
		"UPDATE ingestion_plan_views SET regex_override='%s' WHERE plan_id=%d AND canon_name='%s';",
		escapeRegexLiteralSQL(viewName), planID, strings.ReplaceAll(canon, "'", "''"),
	)
}
