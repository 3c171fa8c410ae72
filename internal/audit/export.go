package audit

import (
	"encoding/csv"
	"io"
	"strings"
	"time"
)

var csvHeader = []string{"id", "timestamp", "actor", "kind", "target_group", "before", "after"}

// WriteCSV renders entries as CSV. Module sets are joined with ';'.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			e.ID.String(),
			e.At.UTC().Format(time.RFC3339),
			e.Actor,
			string(e.Kind),
			e.Group,
			strings.Join(e.Before, ";"),
			strings.Join(e.After, ";"),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
