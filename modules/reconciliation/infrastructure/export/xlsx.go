// Package export renders reconciliation log entries as spreadsheets.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/modules/reconciliation/services"
)

var header = []any{
	"Entry ID", "Entity ID", "Entity", "Action", "Invalid departments",
	"Detected at", "Resolved at", "Resolved by", "Note",
}

// Sheet is one worksheet worth of entries.
type Sheet struct {
	Kind    permref.EntityKind
	Entries []services.LogEntry
}

// WriteXLSX writes one worksheet per kind to w, in the order given.
func WriteXLSX(w io.Writer, sheets []Sheet) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	for i, sheet := range sheets {
		name := sheet.Kind.String()
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return err
		}
		if err := f.SetSheetRow(name, "A1", &header); err != nil {
			return err
		}
		if err := f.SetRowStyle(name, 1, 1, bold); err != nil {
			return err
		}
		for r, entry := range sheet.Entries {
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			row := Row(entry)
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				return err
			}
		}
		if err := f.SetColWidth(name, "A", "C", 38); err != nil {
			return err
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// Row flattens an entry into spreadsheet cells.
func Row(e services.LogEntry) []any {
	invalid := make([]string, len(e.InvalidDepartments))
	for i, d := range e.InvalidDepartments {
		invalid[i] = d.ID
		if d.Name != nil {
			invalid[i] = fmt.Sprintf("%s (%s)", d.ID, *d.Name)
		}
	}
	resolvedAt, resolvedBy := "", ""
	if e.ResolvedAt != nil {
		resolvedAt = e.ResolvedAt.UTC().Format(time.RFC3339)
	}
	if e.ResolvedBy != nil {
		resolvedBy = e.ResolvedBy.String()
	} else if e.ResolvedAt != nil {
		resolvedBy = "system"
	}
	return []any{
		e.ID.String(),
		e.EntityID.String(),
		e.EntityName,
		string(e.Action),
		strings.Join(invalid, ", "),
		e.DetectedAt.UTC().Format(time.RFC3339),
		resolvedAt,
		resolvedBy,
		e.Note,
	}
}
