package main

import (
	"fmt"
	"io"
	"os"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
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

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// chatMessage is the subset of a conversation message the CLI renders.
type chatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func printMessage(w io.Writer, m chatMessage) {
	label := "you"
	color := colorCyan
	if m.Role == "assistant" {
		label = "assistant"
		color = colorGreen
	}
	header := colorize(colorBold+color, label)
	if m.Kind != "" && m.Kind != "remote" {
		header += " " + colorize(colorDim, "("+m.Kind+")")
	}
	if !m.CreatedAt.IsZero() {
		header += " " + colorize(colorDim, m.CreatedAt.Local().Format("15:04:05"))
	}
	fmt.Fprintf(w, "%s\n%s\n\n", header, m.Content)
}
