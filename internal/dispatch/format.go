// Package dispatch renders analysis results into reports and delivers them.
package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/utils"
)

// DefaultMaxGroups bounds the group table in a report.
const DefaultMaxGroups = 20

// Formatter renders AnalysisResults. It is pure: the same result always yields the same report.
type Formatter struct {
	MaxGroups int
}

// NewFormatter returns a Formatter; maxGroups <= 0 uses DefaultMaxGroups.
func NewFormatter(maxGroups int) Formatter {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	return Formatter{MaxGroups: maxGroups}
}

// Format builds the subject, plain-text body and HTML alternative.
func (f Formatter) Format(result models.AnalysisResult) models.Report {
	maxGroups := f.MaxGroups
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	view := buildView(result, maxGroups)

	report := models.Report{
		Subject:  subject(result, view.Severity),
		Text:     renderText(view),
		Severity: view.Severity,
	}
	var buf bytes.Buffer
	if err := htmlReport.Execute(&buf, view); err == nil {
		report.HTML = buf.String()
	}
	return report
}

func subject(result models.AnalysisResult, severity models.Severity) string {
	total := result.TotalErrors()
	if total == 0 {
		return fmt.Sprintf("[Log Alert] No issues detected in %s", result.Window)
	}
	return fmt.Sprintf("[Log Alert] %s - %d errors detected in %s", strings.ToUpper(string(severity)), total, result.Window)
}

type groupRow struct {
	Service   string
	Category  string
	Severity  string
	Count     int
	FirstSeen string
	LastSeen  string
	Codes     string
	Sample    string
}

type candidateRow struct {
	Rank        int
	ID          string
	Description string
	Confidence  string
	Source      string
	Services    string
	Evidence    []string
}

type solutionRow struct {
	CandidateID   string
	Confidence    string
	Source        string
	EstimatedTime string
	Steps         []string
	Preventive    []string
	Verification  []string
	Risks         []string
}

type reportView struct {
	RunID       string
	Mode        string
	Window      string
	Severity    models.Severity
	TotalErrors int
	GroupCount  int
	Records     int
	Malformed   int
	Groups      []groupRow
	Omitted     int
	Candidates  []candidateRow
	Solutions   []solutionRow
	Stats       statsView
	Practices   []string
	Flags       []string
}

type statsView struct {
	ByCategory     string
	BySeverity     string
	TopServices    string
	UniqueServices int
	ErrorTypes     int
}

func buildView(result models.AnalysisResult, maxGroups int) reportView {
	view := reportView{
		RunID:       result.RunID,
		Mode:        string(result.Mode),
		Window:      result.Window.String(),
		Severity:    models.SeverityUnknown,
		TotalErrors: result.TotalErrors(),
		GroupCount:  len(result.Groups),
		Records:     result.RecordsFetched,
		Malformed:   result.MalformedRecords,
	}
	for _, g := range result.Groups {
		if sev := g.Severity(); sev.Rank() > view.Severity.Rank() {
			view.Severity = sev
		}
	}

	groups := append([]models.ErrorGroup(nil), result.Groups...)
	sortGroupsForReport(groups)
	for i, g := range groups {
		if i >= maxGroups {
			view.Omitted = len(groups) - maxGroups
			break
		}
		view.Groups = append(view.Groups, groupRow{
			Service:   g.Service,
			Category:  string(g.Category),
			Severity:  string(g.Severity()),
			Count:     g.Count,
			FirstSeen: g.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:  g.LastSeen.UTC().Format(time.RFC3339),
			Codes:     strings.Join(g.ErrorCodes, " "),
			Sample:    clip(g.Sample(), 120),
		})
	}

	for i, c := range result.Candidates {
		view.Candidates = append(view.Candidates, candidateRow{
			Rank:        i + 1,
			ID:          c.ID,
			Description: c.Description,
			Confidence:  percent(c.Confidence),
			Source:      string(c.Source),
			Services:    strings.Join(c.Services, ", "),
			Evidence:    c.Evidence,
		})
	}
	for _, s := range result.Solutions {
		view.Solutions = append(view.Solutions, solutionRow{
			CandidateID:   s.CandidateID,
			Confidence:    percent(s.Confidence),
			Source:        string(s.Source),
			EstimatedTime: s.EstimatedTime,
			Steps:         s.Steps,
			Preventive:    s.PreventiveMeasures,
			Verification:  s.Verification,
			Risks:         s.Risks,
		})
	}
	view.Stats = buildStats(result.Statistics)
	view.Practices = result.BestPractices
	for _, flag := range result.DegradationFlags {
		view.Flags = append(view.Flags, string(flag))
	}
	return view
}

func buildStats(st models.Statistics) statsView {
	byCategory := make(map[string]int, len(st.ByCategory))
	for c, n := range st.ByCategory {
		byCategory[string(c)] = n
	}
	bySeverity := make(map[string]int, len(st.BySeverity))
	for sev, n := range st.BySeverity {
		bySeverity[string(sev)] = n
	}
	services := make([]string, len(st.TopServices))
	for i, sc := range st.TopServices {
		services[i] = fmt.Sprintf("%s %d", sc.Service, sc.Count)
	}
	return statsView{
		ByCategory:     countList(byCategory),
		BySeverity:     countList(bySeverity),
		TopServices:    strings.Join(services, ", "),
		UniqueServices: st.UniqueServices,
		ErrorTypes:     st.UniqueErrorTypes,
	}
}

// countList renders counts largest first, ties by name.
func countList(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s %d", name, counts[name])
	}
	return strings.Join(parts, ", ")
}

// sortGroupsForReport orders by count desc, keeping the stable firstSeen order on ties.
func sortGroupsForReport(groups []models.ErrorGroup) {
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j].Count > groups[j-1].Count; j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
}

func renderText(v reportView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Log analysis report\n")
	fmt.Fprintf(&b, "Run: %s (%s)\nWindow: %s\n\n", v.RunID, v.Mode, v.Window)

	if v.TotalErrors == 0 {
		b.WriteString("No issues detected in this window.\n")
		fmt.Fprintf(&b, "Records analysed: %d\n", v.Records)
		writeFlags(&b, v.Flags)
		return b.String()
	}

	b.WriteString("SUMMARY\n")
	fmt.Fprintf(&b, "Highest severity: %s\nErrors: %d in %d group(s)\nRecords analysed: %d", v.Severity, v.TotalErrors, v.GroupCount, v.Records)
	if v.Malformed > 0 {
		fmt.Fprintf(&b, " (%d malformed skipped)", v.Malformed)
	}
	b.WriteString("\n\nSTATISTICS\n")
	writeStat(&b, "By category", v.Stats.ByCategory)
	writeStat(&b, "By severity", v.Stats.BySeverity)
	writeStat(&b, "Top services", v.Stats.TopServices)
	fmt.Fprintf(&b, "Unique services: %d\nUnique error types: %d\n", v.Stats.UniqueServices, v.Stats.ErrorTypes)
	b.WriteString("\nERROR GROUPS\n")

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCATEGORY\tSEVERITY\tCOUNT\tFIRST SEEN\tLAST SEEN\tCODES\tSAMPLE")
	for _, g := range v.Groups {
		codes := g.Codes
		if codes == "" {
			codes = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n", g.Service, g.Category, g.Severity, g.Count, g.FirstSeen, g.LastSeen, codes, g.Sample)
	}
	_ = tw.Flush()
	if v.Omitted > 0 {
		fmt.Fprintf(&b, "... %d more group(s) omitted\n", v.Omitted)
	}

	if len(v.Candidates) > 0 {
		b.WriteString("\nROOT CAUSE CANDIDATES\n")
		for _, c := range v.Candidates {
			fmt.Fprintf(&b, "%d. %s\n   confidence %s, source %s, services %s\n", c.Rank, c.Description, c.Confidence, c.Source, c.Services)
			for _, e := range c.Evidence {
				fmt.Fprintf(&b, "   - %s\n", e)
			}
		}
	}

	if len(v.Solutions) > 0 {
		b.WriteString("\nRECOMMENDED ACTIONS\n")
		for _, s := range v.Solutions {
			fmt.Fprintf(&b, "For %s (confidence %s, source %s", s.CandidateID, s.Confidence, s.Source)
			if s.EstimatedTime != "" {
				fmt.Fprintf(&b, ", est. %s", s.EstimatedTime)
			}
			b.WriteString(")\n")
			writeList(&b, "Steps", s.Steps)
			writeList(&b, "Prevention", s.Preventive)
			writeList(&b, "Verification", s.Verification)
			writeList(&b, "Risks", s.Risks)
		}
	}

	if len(v.Practices) > 0 {
		b.WriteString("\nBEST PRACTICES\n")
		for _, p := range v.Practices {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}

	writeFlags(&b, v.Flags)
	return b.String()
}

func writeStat(b *strings.Builder, title, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", title, value)
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s:\n", title)
	for i, item := range items {
		fmt.Fprintf(b, "    %d. %s\n", i+1, item)
	}
}

func writeFlags(b *strings.Builder, flags []string) {
	if len(flags) == 0 {
		return
	}
	fmt.Fprintf(b, "\nNOTE: this report is degraded (%s).\n", strings.Join(flags, ", "))
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	return utils.Truncate(s, n)
}

var htmlReport = template.Must(template.New("report").Parse(`<html><body style="font-family:sans-serif">
<h2>Log analysis report</h2>
<p>Run <code>{{.RunID}}</code> ({{.Mode}})<br>Window: {{.Window}}</p>
{{if eq .TotalErrors 0}}<p><strong>No issues detected</strong> in this window ({{.Records}} records analysed).</p>{{else}}
<p>Highest severity: <strong>{{.Severity}}</strong>. {{.TotalErrors}} errors in {{.GroupCount}} group(s) across {{.Records}} records.</p>
<h3>Statistics</h3>
<ul>{{with .Stats}}{{if .ByCategory}}<li>By category: {{.ByCategory}}</li>{{end}}{{if .BySeverity}}<li>By severity: {{.BySeverity}}</li>{{end}}{{if .TopServices}}<li>Top services: {{.TopServices}}</li>{{end}}
<li>Unique services: {{.UniqueServices}}, unique error types: {{.ErrorTypes}}</li>{{end}}</ul>
<h3>Error groups</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Service</th><th>Category</th><th>Severity</th><th>Count</th><th>First seen</th><th>Last seen</th><th>Codes</th><th>Sample</th></tr>
{{range .Groups}}<tr><td>{{.Service}}</td><td>{{.Category}}</td><td>{{.Severity}}</td><td>{{.Count}}</td><td>{{.FirstSeen}}</td><td>{{.LastSeen}}</td><td>{{.Codes}}</td><td>{{.Sample}}</td></tr>
{{end}}</table>
{{if .Omitted}}<p>{{.Omitted}} more group(s) omitted.</p>{{end}}
{{if .Candidates}}<h3>Root cause candidates</h3><ol>
{{range .Candidates}}<li><strong>{{.Description}}</strong> (confidence {{.Confidence}}, {{.Source}}, {{.Services}})<ul>{{range .Evidence}}<li>{{.}}</li>{{end}}</ul></li>
{{end}}</ol>{{end}}
{{if .Solutions}}<h3>Recommended actions</h3>
{{range .Solutions}}<h4>{{.CandidateID}} (confidence {{.Confidence}}, {{.Source}}{{if .EstimatedTime}}, est. {{.EstimatedTime}}{{end}})</h4>
<ol>{{range .Steps}}<li>{{.}}</li>{{end}}</ol>
{{if .Preventive}}<p>Prevention:</p><ul>{{range .Preventive}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{if .Verification}}<p>Verification:</p><ul>{{range .Verification}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{if .Risks}}<p>Risks:</p><ul>{{range .Risks}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{end}}{{end}}
{{if .Practices}}<h3>Best practices</h3><ul>{{range .Practices}}<li>{{.}}</li>{{end}}</ul>{{end}}{{end}}
{{if .Flags}}<p><em>This report is degraded: {{range $i, $f := .Flags}}{{if $i}}, {{end}}{{$f}}{{end}}.</em></p>{{end}}
</body></html>
`))
