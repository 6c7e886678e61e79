package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/darkhz/btlocal/platform"
	"github.com/darkhz/btlocal/radio"
)

// printInfo prints a message to the screen.
func printInfo(message string) {
	color.New(color.FgGreen, color.Bold).Println("[+] " + message)
}

// printWarn prints a warning to the screen.
func printWarn(message string) {
	message = "[-] " + message

	color.New(color.FgYellow, color.Bold).Println(message)
}

// printError prints an error to the screen.
func printError(err error) {
	message := "[!] " + err.Error()

	color.New(color.FgRed, color.Bold).Println(message)
}

// printAdapters prints the adapters as a table.
func printAdapters(w io.Writer, adapters []platform.AdapterInfo) {
	rows := [][]string{{"NAME", "ADDRESS", "POWERED"}}
	for _, adapter := range adapters {
		powered := "no"
		if adapter.Powered {
			powered = "yes"
		}

		rows = append(rows, []string{adapter.Name, adapter.ID, powered})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	for _, row := range rows {
		var line strings.Builder

		for i, cell := range row {
			if i == len(row)-1 {
				line.WriteString(cell)
				break
			}

			line.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}

		fmt.Fprintln(w, line.String())
	}
}

// printEvent prints a notification.
func printEvent(w io.Writer, ev radio.Event) {
	message := formatEvent(ev)

	if ev.Kind == radio.EventError {
		color.New(color.FgRed).Fprintln(w, message)
		return
	}

	fmt.Fprintln(w, message)
}

// formatEvent returns a single line describing a notification.
func formatEvent(ev radio.Event) string {
	var sb strings.Builder

	sb.WriteString(time.Now().Format(time.TimeOnly))
	sb.WriteString(" ")
	sb.WriteString(title(ev.Kind.String()))

	if ev.AdapterID != "" {
		sb.WriteString(" [")
		sb.WriteString(ev.AdapterID)
		sb.WriteString("]")
	}

	switch ev.Kind {
	case radio.EventPowerStateChanged:
		sb.WriteString(": ")
		sb.WriteString(title(ev.State.String()))

	case radio.EventPairingFinished:
		sb.WriteString(": ")
		sb.WriteString(ev.Address.String())
		sb.WriteString(" is ")
		sb.WriteString(ev.Mode.String())

	case radio.EventError:
		if !ev.Address.IsNil() {
			sb.WriteString(" (")
			sb.WriteString(ev.Address.String())
			sb.WriteString(")")
		}

		if ev.Err != nil {
			sb.WriteString(": ")
			sb.WriteString(ev.Err.Error())
		}
	}

	return sb.String()
}

// title converts names like "power_state_changed" or "powered-off" to title case.
func title(name string) string {
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)

	return cases.Title(language.Und, cases.NoLower).String(name)
}

// startSpinner shows a spinner on the standard error until the returned
// function is called.
func startSpinner(description string) func() {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(34),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return

			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()

		_ = bar.Finish()
	}
}
