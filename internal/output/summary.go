package output

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/volleyhq/volley/internal/engine"
	"github.com/volleyhq/volley/internal/metrics"
)

// summaryScheme groups the colors used by the final report.
type summaryScheme struct {
	title   *color.Color
	good    *color.Color
	warn    *color.Color
	bad     *color.Color
	section *color.Color
	dim     *color.Color
}

func newSummaryScheme(enabled bool) *summaryScheme {
	s := &summaryScheme{
		title:   color.New(color.FgCyan, color.Bold),
		good:    color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		bad:     color.New(color.FgRed, color.Bold),
		section: color.New(color.Bold),
		dim:     color.New(color.Faint),
	}
	if !enabled {
		for _, c := range []*color.Color{s.title, s.good, s.warn, s.bad, s.section, s.dim} {
			c.DisableColor()
		}
	}
	return s
}

// PrintSummary prints the end-of-run report.
func (c *Console) PrintSummary(report *engine.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLiveLocked()
	}
	if c.quiet {
		c.writeln(fmt.Sprintf("%s requests=%d failed=%d",
			report.Name, report.Totals.Requests, report.Totals.Failed))
		return
	}

	s := newSummaryScheme(c.colors)
	line := strings.Repeat(boxHorizontal, 56)

	c.writeln("")
	c.writeln(s.title.Sprint(line))
	c.writeln(fmt.Sprintf("%s %s", s.section.Sprint(report.Name),
		s.dim.Sprint("run "+report.RunID)))
	c.writeln(s.title.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", formatDuration(report.Duration)))
	c.writeln(fmt.Sprintf("Requests:      %s", formatNumber(report.Totals.Requests)))

	successRate := 1.0
	if report.Totals.Requests > 0 {
		successRate = float64(report.Totals.Success) / float64(report.Totals.Requests)
	}
	rateColor := s.good
	if successRate < 0.99 {
		rateColor = s.warn
	}
	if successRate < 0.95 {
		rateColor = s.bad
	}
	c.writeln(fmt.Sprintf("Success Rate:  %s", rateColor.Sprintf("%.1f%%", successRate*100)))
	c.writeln(fmt.Sprintf("Bytes In:      %s", formatNumber(report.Totals.BytesIn)))
	if report.Totals.Late > 0 {
		c.writeln(fmt.Sprintf("Late Records:  %s", s.warn.Sprint(formatNumber(report.Totals.Late))))
	}
	c.writeln("")

	c.writeln(s.section.Sprint("Latency Distribution:"))
	c.printLatency(report.Totals.Latency)
	c.writeln("")

	c.writeln(s.section.Sprint("Endpoints:"))
	for _, ep := range report.Endpoints {
		lineStr := fmt.Sprintf("  %-24s %s dispatched", ep.Name, formatNumber(ep.Dispatched))
		var notes []string
		if ep.Misses > 0 {
			notes = append(notes, fmt.Sprintf("%d misses", ep.Misses))
		}
		if ep.Skipped > 0 {
			notes = append(notes, fmt.Sprintf("%d skipped", ep.Skipped))
		}
		if ep.PushDrops > 0 {
			notes = append(notes, fmt.Sprintf("%d drops", ep.PushDrops))
		}
		if len(notes) > 0 {
			lineStr += " " + s.warn.Sprint("("+strings.Join(notes, ", ")+")")
		}
		c.writeln(lineStr)
	}
	c.writeln("")
}

func (c *Console) printLatency(l metrics.LatencyStats) {
	c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(l.Min)))
	c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(l.P50)))
	c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(l.P90)))
	c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(l.P95)))
	c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(l.P99)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(l.Max)))
}
