// Package store persists the program and the reagent/column name tables to
// disk, in the fixed binary layouts from spec.md §6.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lcfw/columncontroller/internal/program"
)

const (
	nameSlots    = 6
	nameWidth    = 40
	nameTableLen = nameSlots * nameWidth
)

// NameTable holds six fixed-width ASCII names (reagents or columns).
type NameTable struct {
	names [nameSlots]string
}

// defaultNames builds the Reagent_N / Column_N fallback table named in
// spec.md §6.
func defaultNames(prefix string) *NameTable {
	t := &NameTable{}
	for i := range t.names {
		t.names[i] = fmt.Sprintf("%s_%d", prefix, i+1)
	}
	return t
}

// DefaultReagents returns the Reagent_1..Reagent_6 fallback table.
func DefaultReagents() *NameTable { return defaultNames("Reagent") }

// DefaultColumns returns the Column_1..Column_6 fallback table.
func DefaultColumns() *NameTable { return defaultNames("Column") }

// Name returns the name at slot i (0..5), or "" if out of range.
func (t *NameTable) Name(i int) string {
	if i < 0 || i >= nameSlots {
		return ""
	}
	return t.names[i]
}

// Bytes encodes the table as 6*40 fixed-width, NUL-padded ASCII bytes.
func (t *NameTable) Bytes() []byte {
	out := make([]byte, nameTableLen)
	for i, name := range t.names {
		copy(out[i*nameWidth:(i+1)*nameWidth], []byte(name))
	}
	return out
}

// SetBytes decodes a 6*40 name table from raw bytes, ignoring any trailing
// NUL padding within each slot. Short input leaves trailing slots empty.
func (t *NameTable) SetBytes(data []byte) {
	for i := 0; i < nameSlots; i++ {
		start := i * nameWidth
		if start >= len(data) {
			t.names[i] = ""
			continue
		}
		end := start + nameWidth
		if end > len(data) {
			end = len(data)
		}
		t.names[i] = trimNUL(data[start:end])
	}
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// LoadNameTable reads a name table file, falling back to def when the file
// cannot be read (e.g. missing), matching spec.md §7's "persistence errors:
// logged, treated as default names." A short file is still decoded; slots
// it does not reach are left empty.
func LoadNameTable(path string, def *NameTable) (*NameTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("store: load name table %s: %w", path, err)
	}
	t := &NameTable{}
	t.SetBytes(data)
	return t, nil
}

// SaveNameTable writes t to path, creating parent directories as needed.
func SaveNameTable(path string, t *NameTable) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, t.Bytes(), 0644); err != nil {
		return fmt.Errorf("store: save name table %s: %w", path, err)
	}
	return nil
}

// LoadProgram reads a persisted program file (u16 LE length + raw step
// bytes). A missing file or a declared length beyond capacity yields an
// empty program, per spec.md §6.
func LoadProgram(path string) (*program.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return program.New(), fmt.Errorf("store: load program %s: %w", path, err)
	}
	return program.Deserialize(data), nil
}

// SaveProgram persists p to path.
func SaveProgram(path string, p *program.Program) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, p.Serialize(), 0644); err != nil {
		return fmt.Errorf("store: save program %s: %w", path, err)
	}
	return nil
}
