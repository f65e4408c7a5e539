package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/phase"
)

// printer renders command results as JSON or as aligned text. JSON is used
// when requested or when stdout is not a terminal.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, forceJSON bool) *printer {
	asJSON := forceJSON
	if f, ok := w.(*os.File); ok && !forceJSON {
		asJSON = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{w: w, json: asJSON}
}

func (p *printer) emitJSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table(fn func(tw *tabwriter.Writer)) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fn(tw)
	return tw.Flush()
}

func (p *printer) record(rec *lifecycle.Record) error {
	if p.json {
		return p.emitJSON(rec)
	}
	return p.table(func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "task\t%s\n", rec.TaskID)
		if rec.Title != "" {
			fmt.Fprintf(tw, "title\t%s\n", rec.Title)
		}
		fmt.Fprintf(tw, "assignee\t%s\n", rec.AssigneeID)
		fmt.Fprintf(tw, "reviewer\t%s\n", rec.ReviewerID)
		fmt.Fprintf(tw, "status\t%s\n", rec.OverallStatus)
		fmt.Fprintf(tw, "current\t%s (%s)\n", rec.CurrentPhase, rec.SubState)
		fmt.Fprintf(tw, "revision\t%d\n", rec.Revision)
		fmt.Fprintln(tw, "")
		fmt.Fprintln(tw, "PHASE\tSTATUS\tPROOF\tSUBMITTED")
		for _, k := range rec.ActivePhases {
			v := rec.Validation(k)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k, v.Status, proofSummary(v), stamp(v.SubmittedAt))
		}
	})
}

func (p *printer) records(recs []*lifecycle.Record) error {
	if p.json {
		if recs == nil {
			recs = []*lifecycle.Record{}
		}
		return p.emitJSON(recs)
	}
	return p.table(func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tSTATUS\tCURRENT\tASSIGNEE\tREVIEWER\tTITLE")
		for _, rec := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.TaskID, rec.OverallStatus, rec.CurrentPhase, rec.AssigneeID, rec.ReviewerID, rec.Title)
		}
	})
}

func (p *printer) progress(entries []lifecycle.ProgressEntry) error {
	if p.json {
		return p.emitJSON(entries)
	}
	return p.table(func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "CODE\tPHASE\tSTATUS")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Phase.ShortCode, e.Phase.Label, e.Status)
		}
	})
}

func (p *printer) events(evs []lifecycle.Event) error {
	if p.json {
		if evs == nil {
			evs = []lifecycle.Event{}
		}
		return p.emitJSON(evs)
	}
	return p.table(func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tTIME\tTYPE\tACTOR\tPHASE\tPOINTER\tSTATUS")
		for _, ev := range evs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.EventID, ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.ActorID, ev.Phase,
				transition(string(ev.PhaseFrom), string(ev.PhaseTo)),
				transition(string(ev.StatusFrom), string(ev.StatusTo)))
		}
	})
}

func (p *printer) catalog(defs []phase.Definition) error {
	if p.json {
		return p.emitJSON(defs)
	}
	return p.table(func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "#\tCODE\tKEY\tNAME")
		for i, d := range defs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, d.ShortCode, d.Key, d.Label)
		}
	})
}

// value prints v as JSON, or as plain key/value lines for flat maps.
func (p *printer) value(v map[string]any) error {
	if p.json {
		return p.emitJSON(v)
	}
	return p.table(func(tw *tabwriter.Writer) {
		for _, k := range sortedKeys(v) {
			fmt.Fprintf(tw, "%s\t%v\n", k, v[k])
		}
	})
}

func proofSummary(v lifecycle.PhaseValidation) string {
	parts := make([]string, 0, 2)
	if v.ProofReference != "" {
		parts = append(parts, v.ProofReference)
	}
	if v.ProofNote != "" {
		note := v.ProofNote
		if len(note) > 40 {
			note = note[:37] + "..."
		}
		parts = append(parts, fmt.Sprintf("%q", note))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func transition(from, to string) string {
	if from == "" || from == to {
		return to
	}
	return from + " -> " + to
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
