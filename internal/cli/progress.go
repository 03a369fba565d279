// Package cli renders marketplace activity for terminals: coloured status
// lines, agent reasoning steps and a budget bar.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
)

// Printer writes status lines, colouring them when the output is a terminal.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewPrinter writes to w. Colour is enabled only for character devices.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, color: isTerminal(w)}
}

// DisableColor turns colouring off.
func (p *Printer) DisableColor() *Printer {
	p.color = false
	return p
}

// Colorize wraps text in color when colouring is enabled.
func (p *Printer) Colorize(text, color string) string {
	if !p.color {
		return text
	}
	return color + text + ColorReset
}

func (p *Printer) line(symbol, color, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize(symbol, color), message)
}

// Success prints a success message
func (p *Printer) Success(message string) { p.line("✓", ColorGreen, message) }

// Error prints an error message
func (p *Printer) Error(message string) { p.line("✗", ColorRed, message) }

// Warning prints a warning message
func (p *Printer) Warning(message string) { p.line("⚠", ColorYellow, message) }

// Info prints an info message
func (p *Printer) Info(message string) { p.line("ℹ", ColorBlue, message) }

// stepColors maps reasoning steps to colours. Unknown steps use cyan.
var stepColors = map[string]string{
	"ANALYSIS":  ColorCyan,
	"BROWSE":    ColorBlue,
	"BUDGET":    ColorYellow,
	"DECISION":  ColorPurple,
	"PURCHASE":  ColorGreen,
	"REJECTION": ColorRed,
	"RATING":    ColorYellow,
	"FINAL":     ColorBold,
}

// Step prints one agent reasoning entry as "[STEP] thought (status)".
func (p *Printer) Step(step, status, thought string) {
	color, ok := stepColors[step]
	if !ok {
		color = ColorCyan
	}
	label := p.Colorize(fmt.Sprintf("[%-9s]", step), color)
	p.mu.Lock()
	defer p.mu.Unlock()
	if status != "" {
		fmt.Fprintf(p.w, "%s %s (%s)\n", label, thought, status)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", label, thought)
}

// Budget prints a bar showing how much of a session budget is spent.
func (p *Printer) Budget(spent, total decimal.Decimal) {
	bar := NewBudgetBar(total)
	bar.colorize = p.color
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, bar.Render(spent))
}

// BudgetBar renders spend against a budget.
type BudgetBar struct {
	total    decimal.Decimal
	width    int
	colorize bool
}

// NewBudgetBar creates a bar for total.
func NewBudgetBar(total decimal.Decimal) *BudgetBar {
	return &BudgetBar{total: total, width: 30}
}

// SetWidth sets the width of the bar in cells.
func (b *BudgetBar) SetWidth(width int) *BudgetBar {
	if width > 0 {
		b.width = width
	}
	return b
}

// Render returns the bar for spent, clamped to the budget.
func (b *BudgetBar) Render(spent decimal.Decimal) string {
	ratio := 0.0
	if b.total.IsPositive() {
		ratio = spent.Div(b.total).InexactFloat64()
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(float64(b.width) * ratio)

	bar := strings.Repeat("█", filled) + strings.Repeat("░", b.width-filled)
	if b.colorize {
		switch {
		case ratio < 0.5:
			bar = ColorGreen + bar + ColorReset
		case ratio < 0.9:
			bar = ColorYellow + bar + ColorReset
		default:
			bar = ColorRed + bar + ColorReset
		}
	}
	return fmt.Sprintf("budget [%s] $%s / $%s", bar, spent.StringFixed(2), b.total.StringFixed(2))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
