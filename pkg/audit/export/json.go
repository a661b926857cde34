package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"meridian-hq/meridian/pkg/audit"
)

// Exporter writes audit entries to a writer in a specific format.
type Exporter interface {
	Export(ctx context.Context, entries []*audit.Entry, w io.Writer) error
}

// JSONExporter exports audit entries as a JSON array.
type JSONExporter struct {
	// Pretty enables indented output.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes the entries as a JSON array in seq order. Timestamps
// are serialized in RFC 3339 form by encoding/json, which round-trips
// exactly, so re-importing reproduces the original entry sequence.
func (e *JSONExporter) Export(ctx context.Context, entries []*audit.Entry, w io.Writer) error {
	if entries == nil {
		entries = []*audit.Entry{}
	}

	var (
		data []byte
		err  error
	)
	if e.Pretty {
		data, err = json.MarshalIndent(entries, "", "  ")
	} else {
		data, err = json.Marshal(entries)
	}
	if err != nil {
		return fmt.Errorf("encoding audit export: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing audit export: %w", err)
	}
	return nil
}

// Import reads a JSON array previously produced by Export. The caller
// typically follows with audit.VerifyChain to confirm the window is
// untampered.
func Import(r io.Reader) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding audit export: %w", err)
	}
	return entries, nil
}
