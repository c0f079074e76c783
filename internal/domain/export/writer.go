package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"

	"github.com/xuri/excelize/v2"
)

// Output formats for single-table exports.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

const (
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeZIP  = "application/zip"

	// MaxFilenameLength caps the base name of generated files, in runes.
	MaxFilenameLength = 100

	readmeName = "README.txt"
)

// tableData is a fetched table ready for serialization.
type tableData struct {
	Table Table
	Rows  []Row
}

func encodeCSV(td tableData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(td.Table.Columns); err != nil {
		return nil, fmt.Errorf("write %s header: %w", td.Table.ID, err)
	}
	record := make([]string, len(td.Table.Columns))
	for _, row := range td.Rows {
		for i, v := range row {
			record[i] = ""
			if v != nil {
				record[i] = *v
			}
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write %s row: %w", td.Table.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush %s: %w", td.Table.ID, err)
	}
	return buf.Bytes(), nil
}

// encodeXLSX writes td as a single-sheet workbook with a bold, frozen
// header row.
func encodeXLSX(td tableData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := td.Table.ID
	if len(sheet) > 31 {
		sheet = sheet[:31]
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	header := make([]any, len(td.Table.Columns))
	for i, c := range td.Table.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return nil, fmt.Errorf("header range: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, row := range td.Rows {
		values := make([]any, len(row))
		for j, v := range row {
			if v != nil {
				values[j] = *v
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

type zipEntry struct {
	Name string
	Body []byte
}

func encodeZIP(entries []zipEntry, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", e.Name, err)
		}
		if _, err := w.Write(e.Body); err != nil {
			return nil, fmt.Errorf("write %s: %w", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// readmeInfo is what the generated README documents.
type readmeInfo struct {
	CohortID    int64
	CohortName  string
	Description string
	Filters     string
	UserID      int64
	GeneratedAt time.Time
	Tables      []tableData
	FileExt     string
}

const hipaaNotice = `HIPAA NOTICE
This archive contains data derived from protected health information.
Access is restricted to the requesting user under the data use agreement
of their access tier. Do not redistribute, re-identify, or link these
records with other sources. Store the files on encrypted, access-controlled
media and delete them when they are no longer required. This export has
been recorded in the audit trail.
`

func renderReadme(info readmeInfo) []byte {
	var b bytes.Buffer
	b.WriteString("Research Data Export\n====================\n\n")
	fmt.Fprintf(&b, "Cohort:       %s (id %d)\n", info.CohortName, info.CohortID)
	if info.Description != "" {
		fmt.Fprintf(&b, "Description:  %s\n", info.Description)
	}
	fmt.Fprintf(&b, "Filters:      %s\n", info.Filters)
	fmt.Fprintf(&b, "Exported by:  user %d\n", info.UserID)
	fmt.Fprintf(&b, "Generated at: %s\n\n", info.GeneratedAt.UTC().Format(time.RFC3339))

	b.WriteString("Files\n-----\n")
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	total := 0
	for _, td := range info.Tables {
		fmt.Fprintf(tw, "%s.%s\t%d records\t%s\n", td.Table.ID, info.FileExt, len(td.Rows), td.Table.Description)
		total += len(td.Rows)
	}
	tw.Flush()
	fmt.Fprintf(&b, "\nTotal records: %d\n\n", total)
	b.WriteString(hipaaNotice)
	return b.Bytes()
}

// SanitizeFilename strips control characters, quotes and path separators
// from name, turns whitespace into underscores and caps the result at
// MaxFilenameLength runes. An empty result becomes "export".
func SanitizeFilename(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range name {
		if n == MaxFilenameLength {
			break
		}
		switch {
		case unicode.IsControl(r), r == '"', r == '\'', r == '`', r == '/', r == '\\', r == ':':
			continue
		case unicode.IsSpace(r):
			r = '_'
		}
		b.WriteRune(r)
		n++
	}
	s := strings.Trim(b.String(), "._")
	if s == "" {
		return "export"
	}
	return s
}
