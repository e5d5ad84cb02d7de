package ops

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"hubtrader/pkg/types"
)

// graphTmpl renders one balance-history series as an inline SVG polyline
// over a plain table. No external assets; the page must work from curl -o.
var graphTmpl = template.Must(template.New("graph").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; margin-top: 2em; }
td, th { border: 1px solid #999; padding: 2px 8px; text-align: right; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<svg width="900" height="260" viewBox="0 0 900 260">
  <rect width="900" height="260" fill="#fafafa" stroke="#ccc"/>
  <polyline points="{{.Points}}" fill="none" stroke="#2266cc" stroke-width="2"/>
</svg>
<table>
<tr><th>date</th><th>open</th><th>close</th><th>p/l</th><th>fees</th><th>opened</th><th>closed</th><th>min/max open</th></tr>
{{range .Days}}<tr>
<td>{{.Date.Format "2006-01-02"}}</td><td>{{.OpenBalance}}</td><td>{{.CloseBalance}}</td>
<td>{{.ProfitLoss}}</td><td>{{.EstimatedFees}}</td>
<td>{{.TotalOpenedTrades}}</td><td>{{.TotalClosedTrades}}</td>
<td>{{.MinOpenTrades}}/{{.MaxOpenTrades}}</td>
</tr>{{end}}
</table>
</body>
</html>`))

type graphData struct {
	Title  string
	Points string
	Days   []types.BalanceDay
}

// HandleGraph renders /graph.html?summary=ASSET:mode.
func (h *Handlers) HandleGraph(w http.ResponseWriter, r *http.Request) {
	arg := r.URL.Query().Get("summary")
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("want summary=ASSET:mode, got %q", arg))
		return
	}
	quote := strings.ToUpper(parts[0])
	mode := types.TradingType(parts[1])

	days := h.core.HistoryEntries(mode, quote)
	data := graphData{
		Title:  fmt.Sprintf("%s balance history (%s)", quote, mode),
		Points: polyline(days, 900, 260),
		Days:   days,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := graphTmpl.Execute(w, data); err != nil {
		h.logger.Error("graph render failed", "error", err)
	}
}

// polyline scales the closing balances into SVG coordinates.
func polyline(days []types.BalanceDay, width, height float64) string {
	if len(days) == 0 {
		return ""
	}
	lo := days[0].CloseBalance
	hi := days[0].CloseBalance
	for _, d := range days {
		if d.CloseBalance.LessThan(lo) {
			lo = d.CloseBalance
		}
		if d.CloseBalance.GreaterThan(hi) {
			hi = d.CloseBalance
		}
	}
	span, _ := hi.Sub(lo).Float64()
	if span == 0 {
		span = 1
	}
	low, _ := lo.Float64()

	var b strings.Builder
	step := width / float64(max(len(days)-1, 1))
	for i, d := range days {
		v, _ := d.CloseBalance.Float64()
		x := float64(i) * step
		y := height - 10 - (v-low)/span*(height-20)
		fmt.Fprintf(&b, "%.1f,%.1f ", x, y)
	}
	return strings.TrimSpace(b.String())
}
