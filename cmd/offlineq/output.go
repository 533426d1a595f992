package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cotrain/offlineq/internal/queue"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// retryLabel renders retries used out of the budget, yellow once retrying
// and red when the next failure drops the action.
func retryLabel(rec queue.ActionRecord) string {
	label := fmt.Sprintf("%d/%d", rec.RetryCount, rec.MaxRetries)
	switch {
	case rec.Exhausted() && rec.RetryCount > 0:
		return colorize(colorRed, label)
	case rec.RetryCount > 0:
		return colorize(colorYellow, label)
	}
	return label
}

func printActions(w io.Writer, actions []queue.ActionRecord) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, a := range actions {
		fmt.Fprintf(w, "%s  %-6s %s  retries %s  %s\n",
			colorize(colorCyan, a.ID),
			a.Method,
			a.URL,
			retryLabel(a),
			a.Description,
		)
	}
}
