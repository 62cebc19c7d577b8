package matrix

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ObsRow is one cell's metadata: a fixed typed core plus an open mapping for
// optional covariates, validated at load time.
type ObsRow struct {
	CellID   string
	Platform string
	Label    string
	Extra    map[string]string
}

// ObsTable holds per-cell metadata for one dataset.
type ObsTable struct {
	Rows    []ObsRow
	Columns []string

	index map[string]int
}

// Get returns the metadata row for a cell.
func (t *ObsTable) Get(cellID string) (ObsRow, bool) {
	i, ok := t.index[cellID]
	if !ok {
		return ObsRow{}, false
	}
	return t.Rows[i], true
}

// Labels returns a cell -> label map for rows with a non-empty label.
func (t *ObsTable) Labels() map[string]string {
	labels := make(map[string]string)
	for _, r := range t.Rows {
		if r.Label != "" {
			labels[r.CellID] = r.Label
		}
	}
	return labels
}

// Coords extracts a numeric coordinate vector per cell from the named extra
// columns (e.g. pre-computed 2-D visualization coordinates). Cells missing
// any of the columns are omitted.
func (t *ObsTable) Coords(columns []string) (map[string][]float64, error) {
	coords := make(map[string][]float64)
	for _, r := range t.Rows {
		vec := make([]float64, 0, len(columns))
		ok := true
		for _, col := range columns {
			s, found := r.Extra[col]
			if !found || s == "" {
				ok = false
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("cell %q column %q: %w", r.CellID, col, err)
			}
			vec = append(vec, v)
		}
		if ok {
			coords[r.CellID] = vec
		}
	}
	return coords, nil
}

// LoadObs reads a delimited per-cell metadata table. The first column is the
// cell id; "platform" and "label" columns (case-insensitive) fill the typed
// core and every other column lands in Extra. Missing platform/label columns
// are allowed; duplicate cell ids are not.
func LoadObs(path string) (*ObsTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs table: %w", err)
	}
	defer f.Close()

	r, closer, err := decompress(f, path)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("obs table %s is empty", path)
	}
	header := scanner.Text()
	sep := sniffSeparator(header)
	columns := strings.Split(header, sep)
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}
	if len(columns) < 1 {
		return nil, fmt.Errorf("obs table %s has no columns", path)
	}

	platformCol, labelCol := -1, -1
	for i, c := range columns[1:] {
		switch strings.ToLower(c) {
		case "platform":
			platformCol = i + 1
		case "label", "cluster", "cell_type":
			if labelCol == -1 {
				labelCol = i + 1
			}
		}
	}

	table := &ObsTable{Columns: columns, index: make(map[string]int)}
	line := 1
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		parts := strings.Split(text, sep)
		if len(parts) != len(columns) {
			return nil, fmt.Errorf("obs table %s line %d has %d fields, expected %d", path, line, len(parts), len(columns))
		}
		row := ObsRow{CellID: strings.TrimSpace(parts[0]), Extra: make(map[string]string)}
		if row.CellID == "" {
			return nil, fmt.Errorf("obs table %s line %d has empty cell id", path, line)
		}
		if _, dup := table.index[row.CellID]; dup {
			return nil, fmt.Errorf("obs table %s line %d: duplicate cell id %q", path, line, row.CellID)
		}
		for i := 1; i < len(parts); i++ {
			v := strings.TrimSpace(parts[i])
			switch i {
			case platformCol:
				row.Platform = v
			case labelCol:
				row.Label = v
			default:
				row.Extra[columns[i]] = v
			}
		}
		table.index[row.CellID] = len(table.Rows)
		table.Rows = append(table.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read obs table %s: %w", path, err)
	}
	return table, nil
}
