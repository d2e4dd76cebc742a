package main

import (
	"encoding/json"
	"fmt"
	"os"
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
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// Score bands for synthesized results.
const (
	strongScore = 0.7
	weakScore   = 0.4
)

func formatScore(score float64) string {
	text := fmt.Sprintf("%.3f", score)
	switch {
	case score >= strongScore:
		return colorize(colorGreen, text)
	case score >= weakScore:
		return colorize(colorYellow, text)
	}
	return text
}

// backendFlags renders which backends found r as a fixed-width VGSW mask,
// with '-' for a backend that did not.
func backendFlags(r resultView) string {
	flags := []byte("----")
	for i, on := range []bool{r.FromVector, r.FromGraph, r.FromSQL, r.FromWorking} {
		if on {
			flags[i] = "VGSW"[i]
		}
	}
	return string(flags)
}

func printResultSet(raw json.RawMessage) error {
	var rs resultSetView
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rs); err != nil {
			return fmt.Errorf("decoding results: %w", err)
		}
	}
	if len(rs.Results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for i, r := range rs.Results {
		fmt.Printf("\n%s [%s] score %s (%s)\n",
			colorize(colorBold, fmt.Sprintf("Result %d", i+1)), backendFlags(r), formatScore(r.Score), r.sources())
		fmt.Printf("  %s\n", truncate(r.Content, 500))
	}
	fmt.Printf("\nmatches: vector=%d graph=%d sql=%d working=%d\n",
		rs.VectorMatches, rs.GraphMatches, rs.SQLMatches, rs.WorkingMatches)
	return nil
}
