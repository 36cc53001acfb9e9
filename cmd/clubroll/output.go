package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/ui"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable prints rows as a table, or v as JSON with --json.
func printTable(w io.Writer, v any, header []string, rows [][]string) error {
	if jsonOutput {
		return printJSON(w, v)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, ui.RenderMuted("(none)"))
		return err
	}
	_, err := fmt.Fprint(w, ui.Table(header, rows))
	return err
}

func syncedMark(id model.ID) string {
	if id.IsLocal() {
		return ui.RenderWarn("local")
	}
	return ui.RenderPass("synced")
}

// lookup finds a record by exact id, unique id prefix or unique name.
func lookup[T model.Record](kind string, recs []T, ref string, names func(T) []string) (T, error) {
	var zero T
	if ref == "" {
		return zero, fmt.Errorf("%s reference cannot be empty", kind)
	}
	for _, r := range recs {
		if r.RecordID().String() == ref {
			return r, nil
		}
	}

	var matches []T
	for _, r := range recs {
		if strings.HasPrefix(r.RecordID().String(), ref) || nameMatches(names, r, ref) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return zero, fmt.Errorf("%s %q not found", kind, ref)
	case 1:
		return matches[0], nil
	default:
		return zero, fmt.Errorf("%s %q is ambiguous (%d matches)", kind, ref, len(matches))
	}
}

func nameMatches[T any](names func(T) []string, r T, ref string) bool {
	if names == nil {
		return false
	}
	for _, n := range names(r) {
		if strings.EqualFold(n, ref) {
			return true
		}
	}
	return false
}

func findClub(snap *localstore.Snapshot, ref string) (model.Club, error) {
	return lookup("club", snap.Clubs, ref, func(c model.Club) []string { return []string{c.Name} })
}

func findSession(snap *localstore.Snapshot, ref string) (model.Session, error) {
	return lookup("session", snap.Sessions, ref, nil)
}

// findParticipant resolves ref among the participants of clubID by id,
// full name or first name.
func findParticipant(snap *localstore.Snapshot, clubID model.ID, ref string) (model.Participant, error) {
	return lookup("participant", snap.ClubParticipants(clubID), ref, func(p model.Participant) []string {
		return []string{p.FullName(), p.FirstName}
	})
}

// parseWeekday accepts a day name, a prefix of at least three letters or
// 0-6 with Sunday as 0.
func parseWeekday(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 1 && s[0] >= '0' && s[0] <= '6' {
		return int(s[0] - '0'), nil
	}
	if len(s) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			if strings.HasPrefix(strings.ToLower(d.String()), s) {
				return int(d), nil
			}
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate turns "2024-03-05", "today" or "last tuesday" into a calendar
// date relative to now. Empty means today.
func parseDate(text string, now time.Time) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return now.Format(model.DateLayout), nil
	}
	if t, err := time.Parse(model.DateLayout, text); err == nil {
		return t.Format(model.DateLayout), nil
	}
	r, err := dateParser.Parse(text, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return "", fmt.Errorf("could not understand date %q", text)
	}
	return r.Time.Format(model.DateLayout), nil
}
