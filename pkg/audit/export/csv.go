package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"meridian-hq/meridian/pkg/audit"
)

// CSVExporter exports audit entries to CSV format.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// Export writes audit entries to the writer in CSV format, one row per
// entry in seq order.
func (e *CSVExporter) Export(ctx context.Context, entries []*audit.Entry, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(headerRow()); err != nil {
			return err
		}
	}

	for _, entry := range entries {
		if err := writer.Write(entryToRow(entry)); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func headerRow() []string {
	return []string{
		"seq", "id", "entity_type", "entity_id", "action",
		"actor_id", "actor_role", "before", "after",
		"compliance_category", "prev_hash", "hash", "created_at",
	}
}

func entryToRow(e *audit.Entry) []string {
	return []string{
		strconv.FormatInt(e.Seq, 10),
		e.ID,
		e.EntityType,
		e.EntityID,
		e.Action,
		e.ActorID,
		e.ActorRole,
		e.Before,
		e.After,
		e.ComplianceCategory,
		e.PrevHash,
		e.Hash,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
