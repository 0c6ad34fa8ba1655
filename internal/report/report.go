// Package report renders run summaries as markdown for persistence and
// for the web view.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/rentradar/markethist/internal/ingest"
)

// maxFailedRows bounds the failure listing so a bad snapshot does not
// produce a megabyte report.
const maxFailedRows = 50

// Compose renders one run summary as a markdown document.
func Compose(s *ingest.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Ingest run %s\n\n", s.RunID)
	fmt.Fprintf(&b, "**Family:** %s  \n", s.Family)
	if s.Source != "" {
		fmt.Fprintf(&b, "**Source:** %s  \n", s.Source)
	}
	fmt.Fprintf(&b, "**Status:** %s  \n", s.Status)
	fmt.Fprintf(&b, "**Started:** %s  \n", s.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "**Duration:** %s\n\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))

	b.WriteString("## Decisions\n\n")
	b.WriteString("| Decision | Rows |\n|---|---|\n")
	fmt.Fprintf(&b, "| Insert | %d |\n", s.Inserted)
	fmt.Fprintf(&b, "| Backfill | %d |\n", s.Backfilled)
	fmt.Fprintf(&b, "| AdvancePeriod | %d |\n", s.Advanced)
	fmt.Fprintf(&b, "| CorrectField | %d |\n", s.Corrected)
	fmt.Fprintf(&b, "| NoOp | %d |\n", s.NoOps)

	if s.TotalBatches > 0 {
		fmt.Fprintf(&b, "\n%d of %d batches committed.\n",
			s.TotalBatches-s.FailedBatches, s.TotalBatches)
	}

	switch {
	case s.RefreshErr != nil:
		fmt.Fprintf(&b, "\nProjection refresh failed: %v\n", s.RefreshErr)
	case s.Refreshed:
		b.WriteString("\nProjection refreshed.\n")
	default:
		b.WriteString("\nProjection refresh skipped (no effective changes).\n")
	}

	if len(s.FailedRows) > 0 {
		fmt.Fprintf(&b, "\n## Failed rows (%d)\n\n", len(s.FailedRows))
		for i, fr := range s.FailedRows {
			if i == maxFailedRows {
				fmt.Fprintf(&b, "- … and %d more\n", len(s.FailedRows)-maxFailedRows)
				break
			}
			b.WriteString("- " + describeFailedRow(fr) + "\n")
		}
	}

	return b.String()
}

func describeFailedRow(fr ingest.FailedRow) string {
	switch {
	case fr.Location != "":
		return fmt.Sprintf("`(%s, %s)`: %s", fr.Location, fr.Period, fr.Reason)
	case fr.Line > 0:
		return fmt.Sprintf("line %d: %s", fr.Line, fr.Reason)
	default:
		return fr.Reason
	}
}
