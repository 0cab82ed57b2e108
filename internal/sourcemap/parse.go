package sourcemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedVersion is returned for any document whose version field
// is not 3.
var ErrUnsupportedVersion = errors.New("sourcemap: unsupported version")

// Mapping relates one generated position to its original source position.
// Generated and original lines/columns are 0-based. SrcIndex and NameIndex
// are -1 when the segment carried no source or name.
type Mapping struct {
	GenLine   int
	GenCol    int
	SrcIndex  int
	SrcLine   int
	SrcCol    int
	NameIndex int
}

// Map is the decoded, queryable form of a version-3 source map.
type Map struct {
	Sources        []string
	SourcesContent []*string
	Names          []string

	mappings []Mapping // sorted by (GenLine, GenCol)
}

type rawMap struct {
	Version        int       `json:"version"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent"`
	Names          []string  `json:"names"`
	Mappings       string    `json:"mappings"`
}

// accumulators holds the running per-field state of the mappings decode.
// The generated-column accumulator resets at each line boundary; the other
// four persist across the whole document.
type accumulators struct {
	genCol  int64
	srcIdx  int64
	srcLine int64
	srcCol  int64
	nameIdx int64
}

// Parse decodes a version-3 source map document.
func Parse(data []byte) (*Map, error) {
	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode source map document: %w", err)
	}
	if raw.Version != 3 {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, raw.Version)
	}

	m := &Map{
		Sources:        raw.Sources,
		SourcesContent: raw.SourcesContent,
		Names:          raw.Names,
	}

	var acc accumulators
	for line, group := range strings.Split(raw.Mappings, ";") {
		acc.genCol = 0
		if group == "" {
			continue
		}
		for _, segment := range strings.Split(group, ",") {
			if segment == "" {
				continue
			}
			deltas, err := DecodeSegment(segment)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			switch len(deltas) {
			case 1, 4, 5:
			default:
				return nil, fmt.Errorf("line %d: segment has %d fields, want 1, 4 or 5", line, len(deltas))
			}

			acc.genCol += deltas[0]
			mapping := Mapping{
				GenLine:   line,
				GenCol:    int(acc.genCol),
				SrcIndex:  -1,
				SrcLine:   -1,
				SrcCol:    -1,
				NameIndex: -1,
			}
			if len(deltas) >= 4 {
				acc.srcIdx += deltas[1]
				acc.srcLine += deltas[2]
				acc.srcCol += deltas[3]
				mapping.SrcIndex = int(acc.srcIdx)
				mapping.SrcLine = int(acc.srcLine)
				mapping.SrcCol = int(acc.srcCol)
				if mapping.SrcIndex < 0 || mapping.SrcIndex >= len(m.Sources) {
					return nil, fmt.Errorf("line %d: source index %d out of range", line, mapping.SrcIndex)
				}
			}
			if len(deltas) == 5 {
				acc.nameIdx += deltas[4]
				mapping.NameIndex = int(acc.nameIdx)
				if mapping.NameIndex < 0 || mapping.NameIndex >= len(m.Names) {
					return nil, fmt.Errorf("line %d: name index %d out of range", line, mapping.NameIndex)
				}
			}
			m.mappings = append(m.mappings, mapping)
		}
	}

	sort.Slice(m.mappings, func(i, j int) bool {
		if m.mappings[i].GenLine != m.mappings[j].GenLine {
			return m.mappings[i].GenLine < m.mappings[j].GenLine
		}
		return m.mappings[i].GenCol < m.mappings[j].GenCol
	})

	return m, nil
}

// Location is the result of a successful lookup.
type Location struct {
	Source  string
	Line    int // 0-based
	Column  int // 0-based
	Name    string
	HasName bool

	srcIndex int
}

// Lookup finds the greatest mapping at or before (line, col) on the same
// generated line, both 0-based. There is no fallback across lines: a line
// with no mapping at or before col yields no result.
func (m *Map) Lookup(line, col int) (Location, bool) {
	idx := sort.Search(len(m.mappings), func(i int) bool {
		mp := m.mappings[i]
		if mp.GenLine != line {
			return mp.GenLine > line
		}
		return mp.GenCol > col
	})
	if idx == 0 {
		return Location{}, false
	}
	mp := m.mappings[idx-1]
	if mp.GenLine != line || mp.SrcIndex < 0 {
		return Location{}, false
	}
	loc := Location{
		Source:   m.Sources[mp.SrcIndex],
		Line:     mp.SrcLine,
		Column:   mp.SrcCol,
		srcIndex: mp.SrcIndex,
	}
	if mp.NameIndex >= 0 {
		loc.Name = m.Names[mp.NameIndex]
		loc.HasName = true
	}
	return loc, true
}

// SourceContext extracts the line at loc plus up to n lines before and
// after from the embedded source content, clamping at file boundaries.
// It returns ok=false when the map carries no content for that source.
func (m *Map) SourceContext(loc Location, n int) (pre []string, contextLine string, post []string, ok bool) {
	if loc.srcIndex < 0 || loc.srcIndex >= len(m.SourcesContent) {
		return nil, "", nil, false
	}
	content := m.SourcesContent[loc.srcIndex]
	if content == nil {
		return nil, "", nil, false
	}
	lines := strings.Split(*content, "\n")
	if loc.Line < 0 || loc.Line >= len(lines) {
		return nil, "", nil, false
	}

	start := loc.Line - n
	if start < 0 {
		start = 0
	}
	end := loc.Line + n + 1
	if end > len(lines) {
		end = len(lines)
	}
	return lines[start:loc.Line], lines[loc.Line], lines[loc.Line+1 : end], true
}

// Len reports the number of decoded mappings.
func (m *Map) Len() int {
	return len(m.mappings)
}
