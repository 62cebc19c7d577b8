// Package matrix provides readers for gene-by-cell expression matrices and
// per-cell metadata tables stored as delimited text.
package matrix

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Matrix is a dense gene-by-cell expression matrix with log-scaled,
// non-negative values. Immutable after loading.
type Matrix struct {
	Genes  []string
	Cells  []string
	Values [][]float64 // one row per gene, len(Cells) columns

	geneIndex map[string]int
	cellIndex map[string]int
}

// New builds a matrix from parallel slices, validating shape and identifier
// uniqueness.
func New(genes, cells []string, values [][]float64) (*Matrix, error) {
	if len(values) != len(genes) {
		return nil, fmt.Errorf("matrix has %d rows but %d gene ids", len(values), len(genes))
	}
	geneIndex := make(map[string]int, len(genes))
	for i, g := range genes {
		if _, dup := geneIndex[g]; dup {
			return nil, fmt.Errorf("duplicate gene id %q", g)
		}
		geneIndex[g] = i
	}
	cellIndex := make(map[string]int, len(cells))
	for j, c := range cells {
		if _, dup := cellIndex[c]; dup {
			return nil, fmt.Errorf("duplicate cell id %q", c)
		}
		cellIndex[c] = j
	}
	for i, row := range values {
		if len(row) != len(cells) {
			return nil, fmt.Errorf("gene %q has %d values, expected %d", genes[i], len(row), len(cells))
		}
	}
	return &Matrix{
		Genes:     genes,
		Cells:     cells,
		Values:    values,
		geneIndex: geneIndex,
		cellIndex: cellIndex,
	}, nil
}

// NGenes returns the number of genes (rows).
func (m *Matrix) NGenes() int { return len(m.Genes) }

// NCells returns the number of cells (columns).
func (m *Matrix) NCells() int { return len(m.Cells) }

// GeneIndex returns the row index of a gene.
func (m *Matrix) GeneIndex(gene string) (int, bool) {
	i, ok := m.geneIndex[gene]
	return i, ok
}

// CellIndex returns the column index of a cell.
func (m *Matrix) CellIndex(cell string) (int, bool) {
	j, ok := m.cellIndex[cell]
	return j, ok
}

// Row returns the expression values of one gene across all cells.
// The returned slice is shared with the matrix; callers must not modify it.
func (m *Matrix) Row(i int) []float64 { return m.Values[i] }

// SubsetGenes returns a new matrix restricted to the given genes, in the
// given order. Rows are shared with the parent, not copied.
func (m *Matrix) SubsetGenes(genes []string) (*Matrix, error) {
	values := make([][]float64, 0, len(genes))
	kept := make([]string, 0, len(genes))
	for _, g := range genes {
		i, ok := m.geneIndex[g]
		if !ok {
			return nil, fmt.Errorf("gene %q not in matrix", g)
		}
		kept = append(kept, g)
		values = append(values, m.Values[i])
	}
	return New(kept, m.Cells, values)
}

// Load reads a delimited gene-by-cell matrix. The first header field names
// the gene id column, remaining header fields are cell ids; each data row is
// a gene id followed by one value per cell. Files ending in .gz or .zst are
// decompressed transparently. The delimiter (tab or comma) is sniffed from
// the header.
func Load(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open matrix: %w", err)
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
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("matrix %s is empty", path)
	}
	header := scanner.Text()
	sep := sniffSeparator(header)
	fields := strings.Split(header, sep)
	if len(fields) < 2 {
		return nil, fmt.Errorf("matrix %s header has no cell columns", path)
	}
	cells := make([]string, len(fields)-1)
	for j, c := range fields[1:] {
		cells[j] = strings.TrimSpace(c)
	}

	var genes []string
	var values [][]float64
	line := 1
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if text == "" {
			continue
		}
		parts := strings.Split(text, sep)
		if len(parts) != len(cells)+1 {
			return nil, fmt.Errorf("matrix %s line %d has %d fields, expected %d", path, line, len(parts), len(cells)+1)
		}
		row := make([]float64, len(cells))
		for j, p := range parts[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("matrix %s line %d column %d: %w", path, line, j+2, err)
			}
			if math.IsNaN(v) || v < 0 {
				return nil, fmt.Errorf("matrix %s line %d column %d: value %v out of range", path, line, j+2, v)
			}
			row[j] = v
		}
		genes = append(genes, strings.TrimSpace(parts[0]))
		values = append(values, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read matrix %s: %w", path, err)
	}

	return New(genes, cells, values)
}

func sniffSeparator(header string) string {
	if strings.Count(header, "\t") >= strings.Count(header, ",") {
		return "\t"
	}
	return ","
}

func decompress(f *os.File, path string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return f, nil, nil
	}
}

// LoadGeneList reads one gene id per line (used for exclusion lists).
// Blank lines and lines starting with '#' are skipped.
func LoadGeneList(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gene list: %w", err)
	}
	defer f.Close()

	r, closer, err := decompress(f, path)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		defer closer()
	}

	genes := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		g := strings.TrimSpace(scanner.Text())
		if g == "" || strings.HasPrefix(g, "#") {
			continue
		}
		genes[g] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read gene list %s: %w", path, err)
	}
	return genes, nil
}
