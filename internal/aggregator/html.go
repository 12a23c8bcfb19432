package aggregator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

// Pages are static. index.html is a plain table over the same document
// that lands in data.json, so everything works from file:// with no
// server behind it and downstream tooling reads the JSON.

const pageCSS = `body{font-family:-apple-system,"Segoe UI",Roboto,sans-serif;margin:24px;color:#1a1a2e;background:#fafafa}
h1{font-size:20px}h2{font-size:15px;margin-top:28px}
table{border-collapse:collapse;width:100%;font-size:13px;background:#fff;margin-top:8px}
th,td{border:1px solid #ddd;padding:4px 8px;text-align:left;white-space:nowrap}
th{background:#1a1a2e;color:#fff}
tr:nth-child(even){background:#f4f4f8}
.ok{color:#0a7a38}.bad{color:#b3261e}.muted{color:#777;font-size:12px}`

var tmplFuncs = template.FuncMap{
	"f1": func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"f2": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"verdict": func(v *bool) string {
		switch {
		case v == nil:
			return ""
		case *v:
			return "ready"
		default:
			return "not ready"
		}
	},
}

var leaderboardTmpl = template.Must(template.New("leaderboard").Funcs(tmplFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>EA Leaderboard</title>
<style>` + pageCSS + `</style>
</head>
<body>
<h1>EA Leaderboard</h1>
<p class="muted">{{.TotalPasses}} passes from {{.WorkflowsProcessed}} workflows.
Updated {{.UpdatedAt.Format "2006-01-02 15:04"}} UTC.
Full dataset in <a href="data.json">data.json</a>.</p>
<table>
<tr><th>#</th><th>EA</th><th>Symbol</th><th>TF</th><th>Pass</th><th>Score</th><th>Profit</th><th>PF</th><th>DD%</th><th>Sharpe</th><th>Trades</th><th>Fwd</th><th>Back</th><th>Status</th><th>BT</th><th></th></tr>
{{range .Top 50}}<tr>
<td>{{.Rank}}</td><td>{{.EAName}}</td><td>{{.Symbol}}</td><td>{{.Timeframe}}</td><td>{{.PassNum}}</td>
<td>{{f1 .Score}}</td><td>{{f2 .Profit}}</td><td>{{f2 .ProfitFactor}}</td><td>{{f1 .MaxDrawdownPct}}</td>
<td>{{f1 .Sharpe}}</td><td>{{.TotalTrades}}</td><td>{{f1 .ForwardResult}}</td><td>{{f1 .BackResult}}</td>
<td{{if .IsConsistent}} class="ok"{{end}}>{{.SegmentStatus}}</td>
<td>{{if .Backtested}}yes{{end}}</td>
<td><a href="{{.DashboardLink}}">dashboard</a></td>
</tr>
{{end}}</table>
</body>
</html>
`))

var boardsTmpl = template.Must(template.New("boards").Funcs(tmplFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>EA Stress Boards</title>
<style>` + pageCSS + `</style>
</head>
<body>
<h1>EA Stress Boards</h1>
<p class="muted">{{.Counts.Workflows}} workflows, {{.Counts.Scenarios}} scenarios,
{{.Counts.UniqueEAs}} EAs over {{.Counts.UniqueSymbols}} symbols.
Updated {{.UpdatedAt.Format "2006-01-02 15:04"}} UTC.
Full dataset in <a href="data.json">data.json</a>.</p>

<h2>Workflows</h2>
<table>
<tr><th>EA</th><th>Symbol</th><th>TF</th><th>Status</th><th>Score</th><th>Profit</th><th>PF</th><th>DD%</th><th>Trades</th><th>Steps</th><th>Go live</th><th>Created</th><th></th></tr>
{{range .Workflows}}<tr>
<td>{{.EAName}}</td><td>{{.Symbol}}</td><td>{{.Timeframe}}</td><td>{{.Status}}</td>
<td>{{f1 .Score}}</td><td>{{f2 .Profit}}</td><td>{{f2 .ProfitFactor}}</td><td>{{f1 .MaxDrawdownPct}}</td>
<td>{{.TotalTrades}}</td><td>{{.StepsPassed}} ok, {{.StepsFailed}} failed</td>
<td>{{verdict .GoLiveReady}}</td>
<td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td>
<td><a href="{{.DashboardLink}}">dashboard</a></td>
</tr>
{{end}}</table>

<h2>Scenarios</h2>
<table>
<tr><th>EA</th><th>Scenario</th><th>Variant</th><th>Window</th><th>From</th><th>To</th><th>OK</th><th>Profit</th><th>PF</th><th>DD%</th><th>Trades</th><th></th></tr>
{{range .Scenarios}}<tr>
<td>{{.EAName}}</td><td>{{.ScenarioLabel}}</td><td>{{.Variant}}</td><td>{{.WindowLabel}}</td>
<td>{{.FromDate}}</td><td>{{.ToDate}}</td>
<td class="{{if .Success}}ok{{else}}bad{{end}}">{{if .Success}}yes{{else}}no{{end}}</td>
<td>{{f2 .Profit}}</td><td>{{f2 .ProfitFactor}}</td><td>{{f1 .MaxDrawdownPct}}</td><td>{{.TotalTrades}}</td>
<td><a href="{{.DashboardLink}}">dashboard</a></td>
</tr>
{{end}}</table>
</body>
</html>
`))

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(tmplFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.EAName}} {{.Symbol}} {{.Timeframe}}</title>
<style>` + pageCSS + `</style>
</head>
<body>
<h1>{{.EAName}} &middot; {{.Symbol}} {{.Timeframe}}</h1>
<p class="muted">Workflow {{.WorkflowID}} &middot; status {{.Status}}{{with .CurrentStep}} &middot; at {{.}}{{end}}
&middot; created {{.CreatedAt.Format "2006-01-02 15:04"}} &middot; updated {{.UpdatedAt.Format "2006-01-02 15:04"}}.
Tested {{.Dates.Start}} to {{.Dates.End}}, forward split {{.Dates.Split}}.
Full dataset in <a href="data.json">data.json</a>.</p>
<p>Composite score <strong>{{f1 .Score}}</strong>{{with .GoLiveReady}} &middot; go-live <strong>{{verdict .}}</strong>{{end}}{{if .FixAttempts}} &middot; {{.FixAttempts}} fix attempt(s){{end}}</p>

{{if .Errors}}<h2>Errors</h2><ul>{{range .Errors}}<li class="bad">{{.}}</li>{{end}}</ul>{{end}}

<h2>Steps</h2>
<table>
<tr><th>Step</th><th>Result</th><th>Error</th></tr>
{{range .Steps}}<tr>
<td>{{.Name}}</td>
<td class="{{if .Success}}ok{{else}}bad{{end}}">{{if .Success}}passed{{else}}failed{{end}}</td>
<td>{{.Error}}</td>
</tr>
{{end}}</table>

{{if .Gates}}<h2>Gates</h2>
<table>
<tr><th>Gate</th><th>Result</th><th>Detail</th></tr>
{{range $name, $g := .Gates}}<tr>
<td>{{$name}}</td>
<td class="{{if $g.Passed}}ok{{else}}bad{{end}}">{{if $g.Passed}}PASS{{else}}FAIL{{end}}</td>
<td>{{$g.Message}}</td>
</tr>
{{end}}</table>{{end}}

{{if .Metrics}}<h2>Metrics</h2>
<table>
<tr><th>Metric</th><th>Value</th></tr>
{{range $k, $v := .Metrics}}<tr><td>{{$k}}</td><td>{{f2 $v}}</td></tr>
{{end}}</table>{{end}}

{{if .Passes}}<h2>Passes</h2>
<table>
<tr><th>Pass</th><th>Score</th><th>Profit</th><th>PF</th><th>DD%</th><th>Sharpe</th><th>Trades</th><th>Fwd</th><th>Back</th><th>Status</th><th>BT</th></tr>
{{range .Passes}}<tr>
<td>{{.PassNum}}</td><td>{{f1 .Score}}</td><td>{{f2 .Profit}}</td><td>{{f2 .ProfitFactor}}</td>
<td>{{f1 .MaxDrawdownPct}}</td><td>{{f1 .Sharpe}}</td><td>{{.TotalTrades}}</td>
<td>{{f1 .ForwardResult}}</td><td>{{f1 .BackResult}}</td>
<td{{if .IsConsistent}} class="ok"{{end}}>{{.SegmentStatus}}</td>
<td>{{if .Backtested}}yes{{end}}</td>
</tr>
{{end}}</table>{{end}}

{{with .Stress}}<h2>Stress scenarios</h2>
<table>
<tr><th>Scenario</th><th>Variant</th><th>OK</th><th>Score</th><th>Profit</th><th>PF</th><th>DD%</th><th>Trades</th><th>Error</th></tr>
{{with .Baseline}}<tr>
<td>{{.Scenario.Label}}</td><td>{{.Scenario.Variant}}</td>
<td class="{{if .Success}}ok{{else}}bad{{end}}">{{if .Success}}yes{{else}}no{{end}}</td>
<td>{{f1 .Score}}</td>
{{with .Metrics}}<td>{{f2 .Profit}}</td><td>{{f2 .ProfitFactor}}</td><td>{{f1 .MaxDrawdownPct}}</td><td>{{.TotalTrades}}</td>{{else}}<td></td><td></td><td></td><td></td>{{end}}
<td>{{.Error}}</td>
</tr>{{end}}
{{range .Scenarios}}<tr>
<td>{{.Scenario.Label}}</td><td>{{.Scenario.Variant}}</td>
<td class="{{if .Success}}ok{{else}}bad{{end}}">{{if .Success}}yes{{else}}no{{end}}</td>
<td>{{f1 .Score}}</td>
{{with .Metrics}}<td>{{f2 .Profit}}</td><td>{{f2 .ProfitFactor}}</td><td>{{f1 .MaxDrawdownPct}}</td><td>{{.TotalTrades}}</td>{{else}}<td></td><td></td><td></td><td></td>{{end}}
<td>{{.Error}}</td>
</tr>
{{end}}</table>{{end}}

{{with .Windows}}<h2>Forward windows</h2>
<table>
<tr><th>Window</th><th>Kind</th><th>From</th><th>To</th><th>Profit</th><th>PF</th><th>DD%</th><th>Trades</th></tr>
{{range .Windows}}<tr>
<td>{{.Label}}</td><td>{{.Kind}}</td><td>{{.From}}</td><td>{{.To}}</td>
<td>{{f2 .Metrics.Profit}}</td><td>{{f2 .Metrics.ProfitFactor}}</td>
<td>{{f1 .Metrics.MaxDrawdownPct}}</td><td>{{.Metrics.TotalTrades}}</td>
</tr>
{{end}}</table>{{end}}

{{if .MultiPair}}<h2>Multi-pair runs</h2>
<table>
<tr><th>Symbol</th><th>Workflow</th><th>Status</th><th>Score</th><th>Error</th></tr>
{{range .MultiPair}}<tr>
<td>{{.Symbol}}</td><td>{{.WorkflowID}}</td><td>{{.Status}}</td><td>{{f1 .Score}}</td><td>{{.Error}}</td>
</tr>
{{end}}</table>{{end}}
</body>
</html>
`))

// writePage renders dir/index.html and dir/data.json for doc and
// returns the index path.
func writePage(dir string, tmpl *template.Template, doc any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s data: %w", tmpl.Name(), err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write %s data: %w", tmpl.Name(), err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	index := filepath.Join(dir, "index.html")
	if err := os.WriteFile(index, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmpl.Name(), err)
	}
	return index, nil
}
