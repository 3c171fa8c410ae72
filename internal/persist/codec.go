package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/iceplant/mrbac/internal/mapping"
)

var (
	utf8BOM = []byte{0xEF, 0xBB, 0xBF}

	// ErrMalformed indicates a document that is not a JSON object of string arrays.
	ErrMalformed = errors.New("persist: malformed mapping document")
)

// Encode renders the table in the canonical on-disk form: keys and values
// sorted lexicographically, two-space indent, inline arrays, trailing newline.
func Encode(table mapping.Table) []byte {
	snapshot := table.Snapshot()
	modules := make([]string, 0, len(snapshot))
	for module := range snapshot {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var buf bytes.Buffer
	if len(modules) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes()
	}
	buf.WriteString("{\n")
	for i, module := range modules {
		buf.WriteString("  ")
		buf.Write(quote(module))
		buf.WriteString(": [")
		for j, group := range snapshot[module] {
			if j > 0 {
				buf.WriteString(", ")
			}
			buf.Write(quote(group))
		}
		buf.WriteString("]")
		if i < len(modules)-1 {
			buf.WriteString(",")
		}
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

// Decode parses a mapping document. A leading UTF-8 BOM is tolerated.
func Decode(data []byte) (map[string][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return raw, nil
}

func quote(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}
