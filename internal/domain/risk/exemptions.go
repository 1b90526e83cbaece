package risk

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// defaultExemptions is the Annex III list of tier III codes that do not need
// an approved architectural project.
//
//go:embed exemptions.yaml
var defaultExemptions []byte

// ExemptionList is the file format accepted by LoadExemptions.
type ExemptionList struct {
	Source string   `yaml:"source"`
	Codes  []string `yaml:"codes"`
}

// LoadExemptions parses an exemption list and returns its codes normalized
// and de-duplicated. A nil or empty data slice loads the embedded list.
func LoadExemptions(data []byte) ([]string, error) {
	if len(data) == 0 {
		data = defaultExemptions
	}
	var list ExemptionList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse exemption list: %w", err)
	}
	codes := distinct(normalizeAll(list.Codes))
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: exemption list has no codes", ErrInvalidInput)
	}
	return codes, nil
}
