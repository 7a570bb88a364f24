// Package ui renders the end-of-run report for the operator and the
// pipeline's console log.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/opsdrift/ami-keeper/logging"
	"github.com/opsdrift/ami-keeper/report"
	"github.com/pterm/pterm"
)

// Error details are truncated in the table; the full text goes to the sink
// files. pterm tables do not cope well with very long cells.
const maxDetailLength = 80

// RenderRunReport prints a table with one row per resource outcome followed
// by the summary counts.
func RenderRunReport(rep *report.Report) {
	PrintRunReport(rep, os.Stdout)
	PrintSummary(rep.Summarize())
}

func PrintRunReport(rep *report.Report, w io.Writer) {
	entries := rep.Entries()
	if len(entries) == 0 {
		pterm.Info.Println("No resources touched in this run.")
		return
	}

	data := make([][]string, len(entries))
	for idx, entry := range entries {
		detail := entry.Detail
		if entry.Error != nil {
			if detail != "" {
				detail += ": "
			}
			detail += entry.Error.Error()
		}
		if len(detail) > maxDetailLength {
			detail = detail[:maxDetailLength] + "…"
		}

		data[idx] = []string{
			fmt.Sprintf("%d", entry.Line),
			entry.AccountID,
			entry.Region,
			entry.ResourceID,
			statusSymbol(entry.Status) + " " + string(entry.Status),
			detail,
		}
	}

	renderTableWithHeader([]string{"Line", "Account", "Region", "Resource", "Status", "Detail"}, data, w)
}

func PrintSummary(summary report.Summary) {
	pterm.Info.Printf("Scanned: %d  Success: %d  Partial: %d  Failed: %d  Skipped: %d\n",
		summary.Scanned, summary.Succeeded, summary.Partial, summary.Failed, summary.Skipped)

	switch summary.ExitCode() {
	case report.ExitSuccess:
		pterm.Success.Println("All resources completed successfully")
	case report.ExitPartialFailure:
		pterm.Warning.Println("Run is unstable: some resources failed")
	default:
		pterm.Error.Println("Run failed: no resource succeeded")
	}
}

func statusSymbol(status report.Status) string {
	switch status {
	case report.StatusSuccess:
		return "✅"
	case report.StatusPartial:
		return "⚠️"
	case report.StatusFailed:
		return "❌"
	default:
		return "⏭️"
	}
}

func renderTableWithHeader(headers []string, data [][]string, w io.Writer) {
	tableData := pterm.TableData{headers}
	tableData = append(tableData, data...)

	err := pterm.DefaultTable.
		WithHasHeader().
		WithBoxed().
		WithData(tableData).
		WithWriter(w).
		Render()
	if err != nil {
		logging.Errorf("Error rendering report table: %s", err)
	}
}
