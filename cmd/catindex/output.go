package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/orneryd/catindex/pkg/audit"
	"github.com/orneryd/catindex/pkg/category"
	"github.com/orneryd/catindex/pkg/reconcile"
)

// printer renders command results for humans. The first write error sticks.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) list(title string, items []string) {
	if len(items) == 0 {
		return
	}
	p.line("%s (%d):", title, len(items))
	for _, item := range items {
		p.line("  • %s", item)
	}
}

// json writes v indented.
func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) report(r *reconcile.ConsistencyReport) {
	if !r.Found {
		p.line("❓ Business %s not found", r.EntityID)
		return
	}
	status := "✅ consistent"
	if !r.Consistent() {
		status = "⚠️  needs reconciliation"
	}
	p.line("🔎 Business %s: %s", r.EntityID, status)
	if !r.InRegistry {
		p.line("   Not in the master registry")
	}
	p.line("   Categories:  %s", strings.Join(r.CanonicalSet, ", "))
	p.line("   Count:       consistent=%v, needs normalization=%v", r.CountConsistent, r.NeedsNormalization)
	p.line("   Probed:      %d index keys (aliases %s)", r.ProbedKeys, r.AliasVersion)
	if r.Incomplete {
		p.line("   ⚠️  Index keys could not be listed; only known categories were probed")
	}
	p.list("Correct", r.CorrectMemberships)
	p.list("Missing", r.MissingMemberships)
	p.list("Stale", r.StaleMemberships)
	if len(r.CorruptedKeys) > 0 {
		p.line("Corrupted (%d):", len(r.CorruptedKeys))
		for _, c := range r.CorruptedKeys {
			if c.Field != "" {
				p.line("  • %s [%s %s]: %s", c.Key, c.Kind, c.Field, c.Reason)
			} else {
				p.line("  • %s [%s]: %s", c.Key, c.Kind, c.Reason)
			}
		}
	}
}

func (p *printer) steps(steps []reconcile.Step, dryRun bool) {
	for _, s := range steps {
		mark := "✅"
		switch {
		case s.Failed():
			mark = "❌"
		case dryRun:
			mark = "📝"
		}
		line := fmt.Sprintf("  %s %-16s %s", mark, s.Action, s.Key)
		if s.Members > 0 {
			line += fmt.Sprintf(" (%d members)", s.Members)
		}
		if s.Failed() {
			retry := "permanent"
			if s.Retryable {
				retry = "retryable"
			}
			line += fmt.Sprintf(": %s [%s]", s.Error, retry)
		}
		p.line("%s", line)
	}
}

func (p *printer) outcome(o *reconcile.Outcome) {
	if !o.Found {
		p.line("❓ Business %s not found, nothing to do", o.EntityID)
		return
	}
	verb := "Applied"
	if o.DryRun {
		verb = "Planned"
	}
	if len(o.Steps) == 0 {
		p.line("✅ Business %s is already consistent", o.EntityID)
		return
	}
	p.line("🔧 Reconciling %s (run %s)", o.EntityID, o.RunID)
	p.steps(o.Steps, o.DryRun)
	p.line("%s %d mutations, %d failed", verb, o.Mutations, o.Failures)
}

func (p *printer) validation(r *reconcile.ValidationResult) {
	status := "✅ valid"
	if !r.Valid {
		status = "❌ not valid"
	}
	s := r.Summary
	p.line("🩺 Category index %s (aliases %s, %s)", status, r.AliasVersion, r.AliasFingerprint)
	p.line("   Businesses:  %d (%d with categories, %d inconsistent)", s.TotalEntities, s.EntitiesWithCategories, s.InconsistentEntities)
	p.line("   Indexes:     %d (%d valid, %d corrupted, %d orphaned, %d missing)",
		s.TotalIndexes, s.ValidIndexes, s.CorruptedIndexes, s.OrphanedIndexes, s.MissingIndexes)

	counts := r.CountByKind()
	if len(counts) > 0 {
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		p.line("Issues (%d):", len(r.Issues))
		for _, k := range kinds {
			kind := reconcile.IssueKind(k)
			p.line("  • %-20s %4d  [%s]", k, counts[kind], kind.Severity())
		}
	}
	for _, issue := range r.Issues {
		if issue.Severity != reconcile.SeverityCritical {
			continue
		}
		subject := issue.Key
		if subject == "" {
			subject = "business:" + issue.EntityID
		}
		p.line("  ❌ %s: %s", subject, issue.Description)
	}
	p.list("Recommendations", r.Recommendations)
}

func (p *printer) repair(r *reconcile.RepairResult) {
	verb := "Fixed"
	if r.DryRun {
		verb = "Would fix"
	}
	p.line("🔧 Repair run %s", r.RunID)
	p.steps(r.Steps, r.DryRun)
	p.list("Excluded businesses", r.Excluded)
	p.list("Held businesses (memberships kept)", r.Held)
	p.list("Errors", r.Errors)
	p.line("%s %d (%d rebuilt, %d deleted, %d normalized) in %v",
		verb, r.FixedCount, len(r.Rebuilt), len(r.Deleted), len(r.Normalized), r.Duration)
}

func (p *printer) keys(keys []keyInfo) {
	for _, k := range keys {
		switch {
		case k.Members > 0:
			p.line("%-8s %-60s %d members", k.Kind, k.Key, k.Members)
		case k.Bytes > 0:
			p.line("%-8s %-60s %d bytes", k.Kind, k.Key, k.Bytes)
		default:
			p.line("%-8s %s", k.Kind, k.Key)
		}
	}
	p.line("%d keys", len(keys))
}

func (p *printer) aliases(c *category.Canonicalizer) {
	table := c.Table()
	p.line("📚 Alias table %s (%s)", table.Version(), table.Fingerprint())

	byTarget := make(map[string][]string)
	for variant, target := range table.Entries() {
		if variant != target {
			byTarget[target] = append(byTarget[target], variant)
		}
	}
	for _, target := range table.Targets() {
		variants := byTarget[target]
		sort.Strings(variants)
		p.line("  %s ← %s", target, strings.Join(variants, ", "))
	}
	p.line("Catalog: %d categories", len(c.Catalog()))
}

func (p *printer) journal(r *audit.QueryResult, s *audit.RunSummary) {
	if s != nil {
		p.line("📜 Run %s (%s): %d events, %d failed", s.RunID, s.Operation, len(r.Events), s.Failed)
	}
	for _, e := range r.Events {
		mark := "✅"
		if !e.Success {
			mark = "❌"
		}
		p.line("%s %s %-18s %s %s", mark, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Type, e.Key, e.Reason)
	}
	more := ""
	if r.HasMore {
		more = " (more available)"
	}
	p.line("%d of %d events%s", len(r.Events), r.TotalCount, more)
}
