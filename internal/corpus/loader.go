// Package corpus loads rule text into an ordered, immutable list of chunks.
package corpus

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// DefaultTextField is the record field chunk text is taken from.
const DefaultTextField = "text"

// Format is the on-disk layout of a corpus source.
type Format string

// Supported corpus formats.
const (
	FormatJSON    Format = "json"
	FormatJSONL   Format = "jsonl"
	FormatYAML    Format = "yaml"
	FormatParquet Format = "parquet"
	FormatText    Format = "text"
)

// Options controls how a corpus source is turned into chunks.
type Options struct {
	TextField string // structured formats only
	MaxWords  int    // raw text only
}

func (o Options) textField() string {
	if o.TextField == "" {
		return DefaultTextField
	}
	return o.TextField
}

// DetectFormat picks the format from the file extension. Unknown extensions are raw text.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".yaml", ".yml":
		return FormatYAML
	case ".parquet":
		return FormatParquet
	default:
		return FormatText
	}
}

// Load reads the corpus at path. Structured sources yield one chunk per record;
// raw text is split into paragraphs and packed by word count.
func Load(path string, opts Options) ([]domain.Chunk, error) {
	cleanPath := filepath.Clean(path)
	if _, err := os.Stat(cleanPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCorpusNotFound, cleanPath)
		}
		return nil, fmt.Errorf("stat corpus %s: %w", cleanPath, err)
	}

	format := DetectFormat(cleanPath)
	if format == FormatParquet {
		texts, err := readParquet(cleanPath, opts.textField())
		if err != nil {
			return nil, err
		}
		return recordChunks(texts), nil
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", cleanPath, err)
	}
	return Parse(data, format, opts)
}

// Parse chunks an in-memory corpus of the given format.
func Parse(data []byte, format Format, opts Options) ([]domain.Chunk, error) {
	var (
		texts []string
		err   error
	)
	switch format {
	case FormatJSON:
		texts, err = parseJSON(data, opts.textField())
	case FormatJSONL:
		texts, err = parseJSONL(data, opts.textField())
	case FormatYAML:
		texts, err = parseYAML(data, opts.textField())
	case FormatText:
		return NewChunker(opts.MaxWords).Split(string(data)), nil
	default:
		return nil, fmt.Errorf("unsupported corpus format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return recordChunks(texts), nil
}

// Fingerprint hashes the ordered chunk texts. Equal fingerprints mean equal corpora.
func Fingerprint(chunks []domain.Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		_, _ = fmt.Fprintf(h, "%d:%d:", c.ID, len(c.Text))
		_, _ = io.WriteString(h, c.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func recordChunks(texts []string) []domain.Chunk {
	chunks := make([]domain.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = domain.Chunk{ID: i, Text: t}
	}
	return chunks
}

func parseJSON(data []byte, field string) ([]string, error) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: decode json: %w", domain.ErrCorpusMalformed, err)
	}
	return extractTexts(records, field)
}

func parseJSONL(data []byte, field string) ([]string, error) {
	var records []map[string]any

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", domain.ErrCorpusMalformed, line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan jsonl: %w", domain.ErrCorpusMalformed, err)
	}
	return extractTexts(records, field)
}

func parseYAML(data []byte, field string) ([]string, error) {
	var records []map[string]any
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", domain.ErrCorpusMalformed, err)
	}
	return extractTexts(records, field)
}

func extractTexts(records []map[string]any, field string) ([]string, error) {
	texts := make([]string, len(records))
	for i, rec := range records {
		if rec == nil {
			return nil, fmt.Errorf("%w: record %d is not an object", domain.ErrCorpusMalformed, i)
		}
		v, ok := rec[field]
		if !ok {
			return nil, fmt.Errorf("%w: record %d has no %q field", domain.ErrCorpusMalformed, i, field)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: record %d field %q is %T, want string",
				domain.ErrCorpusMalformed, i, field, v)
		}
		texts[i] = s
	}
	return texts, nil
}

// readParquet reads the text column of every row, in file order.
func readParquet(path, field string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat corpus %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: open parquet: %w", domain.ErrCorpusMalformed, err)
	}

	col := -1
	for i, p := range pf.Schema().Columns() {
		if len(p) == 1 && p[0] == field {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: parquet schema has no %q column", domain.ErrCorpusMalformed, field)
	}

	texts := make([]string, 0, pf.NumRows())
	buf := make([]parquet.Row, 256)
	for _, rg := range pf.RowGroups() {
		rows := parquet.NewRowGroupReader(rg)
		for {
			n, readErr := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				text, ok := columnString(buf[i], col)
				if !ok {
					return nil, fmt.Errorf("%w: record %d has no %q value",
						domain.ErrCorpusMalformed, len(texts), field)
				}
				texts = append(texts, text)
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					break
				}
				return nil, fmt.Errorf("%w: read rows: %w", domain.ErrCorpusMalformed, readErr)
			}
		}
	}
	return texts, nil
}

func columnString(row parquet.Row, col int) (string, bool) {
	for _, v := range row {
		if v.Column() == col {
			if v.IsNull() {
				return "", false
			}
			return v.String(), true
		}
	}
	return "", false
}
