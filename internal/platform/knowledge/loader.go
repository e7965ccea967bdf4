// Package knowledge loads the specialist knowledge base, splits it into
// chunks and keeps it searchable through a vector index.
package knowledge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one knowledge-base record before chunking.
type Entry struct {
	Specialty string
	Text      string
	Source    string
	Row       int
}

var specialtyColumns = []string{"specializzazione", "specialty", "specialist"}

// Load picks the parser from the file extension.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base: %w", err)
	}
	defer f.Close()

	source := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(f, source)
	case ".yaml", ".yml":
		return LoadYAML(f, source)
	default:
		return nil, fmt.Errorf("unsupported knowledge base format %q", filepath.Ext(path))
	}
}

// LoadCSV turns every row into "column: value" lines. The specialty column
// is kept as metadata as well as in the text.
func LoadCSV(r io.Reader, source string) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("knowledge base %s is empty", source)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	specCol := -1
	for _, name := range specialtyColumns {
		for i, h := range header {
			if strings.EqualFold(h, name) {
				specCol = i
				break
			}
		}
		if specCol >= 0 {
			break
		}
	}
	if specCol < 0 {
		return nil, fmt.Errorf("knowledge base %s has no specialty column (want one of %v)", source, specialtyColumns)
	}

	var entries []Entry
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}
		var lines []string
		for i, v := range rec {
			if i >= len(header) {
				break
			}
			lines = append(lines, header[i]+": "+strings.TrimSpace(v))
		}
		spec := ""
		if specCol < len(rec) {
			spec = strings.TrimSpace(rec[specCol])
		}
		if spec == "" {
			continue
		}
		entries = append(entries, Entry{Specialty: spec, Text: strings.Join(lines, "\n"), Source: source, Row: row})
	}
	return entries, nil
}

type yamlEntry struct {
	Specialty   string   `yaml:"specialty"`
	Description string   `yaml:"description"`
	Symptoms    []string `yaml:"symptoms"`
}

// LoadYAML reads a list of {specialty, description, symptoms} records.
func LoadYAML(r io.Reader, source string) ([]Entry, error) {
	var raw []yamlEntry
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("knowledge base %s is empty", source)
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for i, e := range raw {
		spec := strings.TrimSpace(e.Specialty)
		if spec == "" {
			return nil, fmt.Errorf("entry %d has no specialty", i+1)
		}
		var b strings.Builder
		b.WriteString("specializzazione: " + spec)
		if d := strings.TrimSpace(e.Description); d != "" {
			b.WriteString("\ndescrizione: " + d)
		}
		if len(e.Symptoms) > 0 {
			b.WriteString("\nsintomi: " + strings.Join(e.Symptoms, ", "))
		}
		entries = append(entries, Entry{Specialty: spec, Text: b.String(), Source: source, Row: i + 1})
	}
	return entries, nil
}
