package etl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"lode.evalgo.org/bridge"
	"lode.evalgo.org/db"
)

// maxInlineString is the longest value stored wholly in v_string; longer
// strings keep a prefix there and the full text in v_text.
const maxInlineString = 1024

// maxJoinedLine caps a simple item's joined value list in the text body.
const maxJoinedLine = 4096

// stringify renders an upstream value the way it appears in text bodies
// and metadata columns.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(x)
	}
}

// isoLayouts are the timestamp shapes accepted when a string value turns
// out to be a datetime.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseISOTime parses an ISO-style timestamp, normalized to UTC.
func parseISOTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Classify converts one upstream value into its typed variant. isRich marks
// values flattened out of rich-text items, which keep the richtext kind at
// any length.
func Classify(v any, isRich bool) db.TypedValue {
	switch x := v.(type) {
	case bool:
		return db.TypedValue{Kind: db.KindBool, B: &x}
	case int:
		n := float64(x)
		return db.TypedValue{Kind: db.KindNumber, N: &n}
	case int32:
		n := float64(x)
		return db.TypedValue{Kind: db.KindNumber, N: &n}
	case int64:
		n := float64(x)
		return db.TypedValue{Kind: db.KindNumber, N: &n}
	case float32:
		n := float64(x)
		return db.TypedValue{Kind: db.KindNumber, N: &n}
	case float64:
		return db.TypedValue{Kind: db.KindNumber, N: &x}
	case time.Time:
		dt := x.UTC()
		return db.TypedValue{Kind: db.KindDatetime, DT: &dt}
	case nil:
		return db.TypedValue{Kind: db.KindUnknown}
	}

	s := stringify(v)
	if dt, ok := parseISOTime(s); ok {
		return db.TypedValue{Kind: db.KindDatetime, DT: &dt}
	}
	if utf8.RuneCountInString(s) <= maxInlineString {
		kind := db.KindString
		if isRich {
			kind = db.KindRichText
		}
		return db.TypedValue{Kind: kind, S: &s}
	}
	kind := db.KindText
	if isRich {
		kind = db.KindRichText
	}
	prefix := truncateRunes(s, maxInlineString)
	return db.TypedValue{Kind: kind, S: &prefix, T: &s}
}

// isRichItem reports whether the item carries rich text: either typed as
// rich text upstream or holding embedded objects.
func isRichItem(item bridge.Item) bool {
	if item.Type() == bridge.ItemRichText {
		return true
	}
	eos, err := item.EmbeddedObjects()
	return err == nil && len(eos) > 0
}

// BuildTextBody renders the document's searchable text. Rich items
// contribute "name:\ntext\n" blocks when their text is non-empty; simple
// items contribute one "name: v1; v2" line unless the joined list exceeds
// the line cap. Blocks and lines are joined with newlines.
func BuildTextBody(items []bridge.Item) string {
	var parts []string
	for _, item := range items {
		if isRichItem(item) {
			if txt := item.Text(); txt != "" {
				parts = append(parts, fmt.Sprintf("%s:\n%s\n", item.Name(), txt))
			}
			continue
		}
		vals, err := item.Values()
		if err != nil || len(vals) == 0 {
			continue
		}
		strs := make([]string, len(vals))
		for i, v := range vals {
			strs[i] = stringify(v)
		}
		joined := strings.Join(strs, "; ")
		if joined != "" && utf8.RuneCountInString(joined) <= maxJoinedLine {
			parts = append(parts, fmt.Sprintf("%s: %s", item.Name(), joined))
		}
	}
	return strings.Join(parts, "\n")
}

// safeStr truncates a metadata string to maxLen runes, logging when it
// clips.
func safeStr(logger *logrus.Logger, val *string, maxLen int, field string) *string {
	if val == nil {
		return nil
	}
	n := utf8.RuneCountInString(*val)
	if n <= maxLen {
		return val
	}
	logger.Warnf("Truncated %s from %d to %d chars", field, n, maxLen)
	t := truncateRunes(*val, maxLen)
	return &t
}
