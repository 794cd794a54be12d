package transform

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// Result interpretations accepted in mapping files.
const (
	resultPositive = "positive"
	resultNegative = "negative"
	resultAbsent   = "absent"
)

type codeKey struct {
	system string
	code   string
}

func newCodeKey(system, code string) codeKey {
	return codeKey{system: strings.TrimSpace(system), code: strings.TrimSpace(code)}
}

// PathogenMapping maps a coded test or diagnosis to a canonical pathogen.
type PathogenMapping struct {
	System   string `yaml:"system"`
	Code     string `yaml:"code"`
	Pathogen string `yaml:"pathogen"`
}

// ResultMapping maps a coded result to a lab interpretation.
type ResultMapping struct {
	System         string `yaml:"system"`
	Code           string `yaml:"code"`
	Interpretation string `yaml:"interpretation"`
}

type mappingFile struct {
	Version   string            `yaml:"version"`
	Pathogens []PathogenMapping `yaml:"pathogens"`
	Results   []ResultMapping   `yaml:"results"`
}

// MappingTable is the code mapping for one source schema version. Tables are
// read-only after loading and safe for concurrent use.
type MappingTable struct {
	Version   string
	pathogens map[codeKey]string
	results   map[codeKey]domain.LabInterpretation
}

// ParseMappingTable decodes and validates a YAML mapping table.
func ParseMappingTable(data []byte) (*MappingTable, error) {
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding mapping table: %w", err)
	}
	if strings.TrimSpace(f.Version) == "" {
		return nil, fmt.Errorf("mapping table has no version")
	}

	t := &MappingTable{
		Version:   strings.TrimSpace(f.Version),
		pathogens: make(map[codeKey]string, len(f.Pathogens)),
		results:   make(map[codeKey]domain.LabInterpretation, len(f.Results)),
	}

	for i, m := range f.Pathogens {
		key := newCodeKey(m.System, m.Code)
		if key.system == "" || key.code == "" || strings.TrimSpace(m.Pathogen) == "" {
			return nil, fmt.Errorf("mapping %s: pathogens[%d] needs system, code and pathogen", t.Version, i)
		}
		if _, dup := t.pathogens[key]; dup {
			return nil, fmt.Errorf("mapping %s: duplicate pathogen code %s|%s", t.Version, key.system, key.code)
		}
		t.pathogens[key] = strings.TrimSpace(m.Pathogen)
	}

	for i, m := range f.Results {
		key := newCodeKey(m.System, m.Code)
		if key.system == "" || key.code == "" {
			return nil, fmt.Errorf("mapping %s: results[%d] needs system and code", t.Version, i)
		}
		if _, dup := t.results[key]; dup {
			return nil, fmt.Errorf("mapping %s: duplicate result code %s|%s", t.Version, key.system, key.code)
		}
		var interp domain.LabInterpretation
		switch strings.ToLower(strings.TrimSpace(m.Interpretation)) {
		case resultPositive:
			interp = domain.LAB_POSITIVE
		case resultNegative:
			interp = domain.LAB_NEGATIVE
		case resultAbsent:
			interp = domain.LAB_ABSENT
		default:
			return nil, fmt.Errorf("mapping %s: results[%d] has unknown interpretation %q", t.Version, i, m.Interpretation)
		}
		t.results[key] = interp
	}

	return t, nil
}

// LoadMappingTable reads a mapping table file.
func LoadMappingTable(path string) (*MappingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping table: %w", err)
	}
	t, err := ParseMappingTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Pathogen returns the canonical pathogen for a code.
func (t *MappingTable) Pathogen(system, code string) (string, bool) {
	p, ok := t.pathogens[newCodeKey(system, code)]
	return p, ok
}

// Result returns the interpretation of a result code.
func (t *MappingTable) Result(system, code string) (domain.LabInterpretation, bool) {
	r, ok := t.results[newCodeKey(system, code)]
	return r, ok
}

// Size returns the number of pathogen and result entries.
func (t *MappingTable) Size() (pathogens, results int) {
	return len(t.pathogens), len(t.results)
}
