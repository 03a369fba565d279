package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrinter_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.Step("PURCHASE", "Approved", "Bought Tax Loopholes for $0.03")
	p.Step("FINAL", "", "Session complete.")
	p.Success("done")
	p.Error("failed")

	out := buf.String()
	assert.Contains(t, out, "[PURCHASE ] Bought Tax Loopholes for $0.03 (Approved)\n")
	assert.Contains(t, out, "[FINAL    ] Session complete.\n")
	assert.Contains(t, out, "✓ done\n")
	assert.Contains(t, out, "✗ failed\n")
	assert.NotContains(t, out, "\033[", "buffers are not terminals")
}

func TestBudgetBar(t *testing.T) {
	bar := NewBudgetBar(decimal.RequireFromString("0.10")).SetWidth(10)

	assert.Equal(t, "budget [█████░░░░░] $0.05 / $0.10", bar.Render(decimal.RequireFromString("0.05")))
	assert.Equal(t, "budget [██████████] $0.20 / $0.10", bar.Render(decimal.RequireFromString("0.20")), "bar is clamped")
	assert.Equal(t, "budget [░░░░░░░░░░] $0.00 / $0.00", NewBudgetBar(decimal.Zero).SetWidth(10).Render(decimal.Zero))
}

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": ping",
		"",
		"event: log",
		`data: {"step":"ANALYSIS"}`,
		"",
		"id: 7",
		"event: sale",
		"data: line one",
		"data: line two",
		"",
		"data: unnamed",
		"",
	}, "\n")

	var got []StreamEvent
	err := ReadEvents(strings.NewReader(stream), func(evt StreamEvent) error {
		got = append(got, evt)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, StreamEvent{Name: "log", Data: `{"step":"ANALYSIS"}`}, got[0])
	assert.Equal(t, StreamEvent{ID: "7", Name: "sale", Data: "line one\nline two"}, got[1])
	assert.Equal(t, "message", got[2].Name)

	count := 0
	err = ReadEvents(strings.NewReader(stream), func(StreamEvent) error {
		count++
		return ErrStopStream
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	boom := errors.New("boom")
	err = ReadEvents(strings.NewReader(stream), func(StreamEvent) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCompletionScript(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish"} {
		script, err := CompletionScript("imctl", shell)
		require.NoError(t, err, shell)
		for _, c := range Commands {
			assert.Contains(t, script, c.Name, shell)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, GenerateCompletion(&buf, "imctl", "bash"))
	assert.Contains(t, buf.String(), "complete -F _imctl_completion imctl")

	_, err := CompletionScript("imctl", "powershell")
	assert.Error(t, err)
}
