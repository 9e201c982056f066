// Package manifest reads CSV manifests listing the source pages of a batch.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
)

// Header aliases, matched case-insensitively after trimming.
//
//nolint:gochecknoglobals // Static lookup tables
var (
	titleColumns = []string{"title", "krithi", "work", "name"}
	linkColumns  = []string{"url", "link", "source_url", "source"}
	classColumns = []string{"raga", "classification", "category"}
)

// Row is one usable manifest line.
type Row struct {
	// Line is the 1-based line number in the file, header included.
	Line           int
	Title          string
	URL            string
	Classification string
}

// Manifest is the parsed content of a manifest file.
type Manifest struct {
	Rows    []Row
	Skipped int
}

// ParseFile opens path and parses it. delimiter may be empty for a comma.
func ParseFile(path, delimiter string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domainerrors.Wrapf(err, domainerrors.CodePermanent, "open manifest %s", path)
	}
	defer f.Close()

	return Parse(f, delimiter)
}

// Parse reads a manifest from r. Blank rows and rows missing a title or link are
// counted in Skipped. A manifest without usable rows is a validation error.
func Parse(r io.Reader, delimiter string) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if delimiter != "" {
		d, size := utf8.DecodeRuneInString(delimiter)
		if size != len(delimiter) || d == '"' || d == '\r' || d == '\n' {
			return nil, domainerrors.Validationf("invalid manifest delimiter %q", delimiter)
		}
		cr.Comma = d
	}

	header, err := readHeader(cr)
	if err != nil {
		return nil, err
	}

	titleIdx, ok := lookup(header, titleColumns)
	if !ok {
		return nil, domainerrors.Validationf("manifest has no title column (one of %s)", strings.Join(titleColumns, ", "))
	}
	linkIdx, ok := lookup(header, linkColumns)
	if !ok {
		return nil, domainerrors.Validationf("manifest has no link column (one of %s)", strings.Join(linkColumns, ", "))
	}
	classIdx, hasClass := lookup(header, classColumns)

	m := &Manifest{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domainerrors.Wrap(err, domainerrors.CodeValidation, "read manifest")
		}
		line, _ := cr.FieldPos(0)

		title := valueAt(record, titleIdx)
		link := valueAt(record, linkIdx)
		if title == "" || link == "" {
			m.Skipped++
			continue
		}

		row := Row{Line: line, Title: title, URL: link}
		if hasClass {
			row.Classification = valueAt(record, classIdx)
		}
		m.Rows = append(m.Rows, row)
	}

	if len(m.Rows) == 0 {
		return nil, domainerrors.Validationf("manifest has no valid rows (%d skipped)", m.Skipped)
	}
	return m, nil
}

func readHeader(cr *csv.Reader) (map[string]int, error) {
	row, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, domainerrors.Validation("manifest is empty")
	}
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeValidation, "read manifest header")
	}
	header := make(map[string]int, len(row))
	for idx, name := range row {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := header[key]; !dup {
			header[key] = idx
		}
	}
	return header, nil
}

func lookup(header map[string]int, aliases []string) (int, bool) {
	for _, alias := range aliases {
		if idx, ok := header[alias]; ok {
			return idx, true
		}
	}
	return 0, false
}

func valueAt(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// String implements fmt.Stringer for log output.
func (r Row) String() string {
	return fmt.Sprintf("line %d %q <%s>", r.Line, r.Title, r.URL)
}
