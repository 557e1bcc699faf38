// Package output renders live run progress and the final summary to the
// console. On a TTY the live display redraws in place; piped output falls
// back to one status line per update interval.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"

	boxHorizontal = "━"
)

// LiveStats is a point-in-time view of the run for the live display.
type LiveStats struct {
	Elapsed time.Duration

	// TargetRate is the configured dispatch rate right now, summed
	// across endpoints; ActualRPS is what the transport achieved.
	TargetRate float64
	ActualRPS  float64

	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	Misses        int64
	Skipped       int64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	AdmissionSlots int
	Throttled      int64
}

// Console manages run output. Safe for concurrent use.
type Console struct {
	testName string
	writer   io.Writer
	isTTY    bool
	colors   bool
	quiet    bool

	mu          sync.Mutex
	linesOutput int
}

// Config tunes console behavior.
type Config struct {
	TestName    string
	Writer      io.Writer
	Quiet       bool
	ForceColors bool
	NoColor     bool
}

// New builds a console. Writer defaults to stdout.
func New(cfg Config) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	isTTY := isTerminal(cfg.Writer)
	colors := !cfg.NoColor && (cfg.ForceColors || (isTTY && supportsColors()))
	return &Console{
		testName: cfg.TestName,
		writer:   cfg.Writer,
		isTTY:    isTTY,
		colors:   colors,
		quiet:    cfg.Quiet,
	}
}

// IsTTY reports whether output goes to a terminal.
func (c *Console) IsTTY() bool { return c.isTTY }

// PrintHeader prints the run banner.
func (c *Console) PrintHeader(runID string) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colorize(line, colorCyan))
	c.writeln(fmt.Sprintf("%s %s",
		c.colorize(c.testName, colorBold),
		c.colorize("run "+runID, colorDim)))
	c.writeln(c.colorize(line, colorCyan))
	c.writeln("")
}

// Update redraws the live display (TTY) or prints one status line.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet {
		return
	}
	if !c.isTTY {
		c.printStatusLine(stats)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLiveLocked()
	lines := c.renderLive(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *Console) clearLiveLocked() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) renderLive(stats *LiveStats) []string {
	var lines []string

	rateStr := fmt.Sprintf("Rate:     %s target | %s actual",
		c.colorize(fmt.Sprintf("%.1f/s", stats.TargetRate), colorCyan),
		c.colorize(fmt.Sprintf("%.1f/s", stats.ActualRPS), colorGreen))
	lines = append(lines, rateStr)

	errColor := colorGreen
	if stats.ErrorRate > 0.01 {
		errColor = colorYellow
	}
	if stats.ErrorRate > 0.05 {
		errColor = colorRed
	}
	lines = append(lines, fmt.Sprintf("Requests: %s | Errors: %s (%s)",
		c.colorize(formatNumber(stats.TotalRequests), colorCyan),
		c.colorize(formatNumber(stats.Errors), errColor),
		c.colorize(fmt.Sprintf("%.1f%%", stats.ErrorRate*100), errColor)))

	lines = append(lines, fmt.Sprintf("Latency:  avg %s | p95 %s",
		c.colorize(formatDurationShort(stats.LatencyAvg), colorBlue),
		c.colorize(formatDurationShort(stats.LatencyP95), colorBlue)))

	sched := fmt.Sprintf("Elapsed:  %s | slots %d",
		formatDuration(stats.Elapsed), stats.AdmissionSlots)
	if stats.Misses > 0 || stats.Skipped > 0 {
		sched += c.colorize(fmt.Sprintf(" | misses %d, skipped %d",
			stats.Misses, stats.Skipped), colorYellow)
	}
	if stats.Throttled > 0 {
		sched += c.colorize(fmt.Sprintf(" | throttled %d", stats.Throttled), colorYellow)
	}
	lines = append(lines, sched)

	return lines
}

func (c *Console) printStatusLine(stats *LiveStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := fmt.Sprintf("[%s] rate %.1f/s actual %.1f/s | reqs %d | errors %d (%.1f%%) | p95 %s | misses %d skipped %d",
		formatDuration(stats.Elapsed),
		stats.TargetRate,
		stats.ActualRPS,
		stats.TotalRequests,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95),
		stats.Misses,
		stats.Skipped)
	if stats.Throttled > 0 {
		line += fmt.Sprintf(" throttled %d", stats.Throttled)
	}
	c.writeln(line)
}

func (c *Console) write(s string)   { fmt.Fprint(c.writer, s) }
func (c *Console) writeln(s string) { fmt.Fprintln(c.writer, s) }

func (c *Console) colorize(text, color string) string {
	if !c.colors {
		return text
	}
	return color + text + colorReset
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return checkIsTerminal(f)
	}
	return false
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds",
		int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}
	var b strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		b.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if b.Len() > 0 {
			b.WriteString(",")
		}
		b.WriteString(str[i : i+3])
	}
	return b.String()
}
