package knowledge

import (
	"embed"
	"fmt"

	"github.com/diagnostic-triage-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed seed/*.yaml
var seedFS embed.FS

// Seed is the declarative content of a knowledge base.
type Seed struct {
	Conditions   []domain.Condition             `yaml:"conditions"`
	Guidelines   []domain.Guideline             `yaml:"guidelines"`
	DrugClasses  map[string][]string            `yaml:"drug_classes"`
	Interactions []domain.DrugInteraction       `yaml:"interactions"`
	Synonyms     map[string]string              `yaml:"synonyms"`
	RedFlags     []domain.RedFlagRuleDefinition `yaml:"red_flags"`
}

var seedFiles = []string{
	"seed/conditions.yaml",
	"seed/guidelines.yaml",
	"seed/drugs.yaml",
	"seed/lexicon.yaml",
	"seed/red_flags.yaml",
}

// DefaultSeed parses the seed files compiled into the binary.
func DefaultSeed() (*Seed, error) {
	seed := &Seed{}
	for _, name := range seedFiles {
		data, err := seedFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := seed.Merge(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
	}
	return seed, nil
}

// Merge decodes a YAML document and appends its sections to the seed.
func (s *Seed) Merge(data []byte) error {
	var part Seed
	if err := yaml.Unmarshal(data, &part); err != nil {
		return err
	}
	s.Conditions = append(s.Conditions, part.Conditions...)
	s.Guidelines = append(s.Guidelines, part.Guidelines...)
	s.Interactions = append(s.Interactions, part.Interactions...)
	s.RedFlags = append(s.RedFlags, part.RedFlags...)
	if len(part.DrugClasses) > 0 && s.DrugClasses == nil {
		s.DrugClasses = make(map[string][]string)
	}
	for k, v := range part.DrugClasses {
		s.DrugClasses[k] = append(s.DrugClasses[k], v...)
	}
	if len(part.Synonyms) > 0 && s.Synonyms == nil {
		s.Synonyms = make(map[string]string)
	}
	for k, v := range part.Synonyms {
		s.Synonyms[k] = v
	}
	return nil
}

// Clone returns a deep-enough copy for callers that want to modify sections.
func (s *Seed) Clone() *Seed {
	out := &Seed{
		Conditions:   append([]domain.Condition(nil), s.Conditions...),
		Guidelines:   append([]domain.Guideline(nil), s.Guidelines...),
		Interactions: append([]domain.DrugInteraction(nil), s.Interactions...),
		RedFlags:     append([]domain.RedFlagRuleDefinition(nil), s.RedFlags...),
		DrugClasses:  make(map[string][]string, len(s.DrugClasses)),
		Synonyms:     make(map[string]string, len(s.Synonyms)),
	}
	for k, v := range s.DrugClasses {
		out.DrugClasses[k] = append([]string(nil), v...)
	}
	for k, v := range s.Synonyms {
		out.Synonyms[k] = v
	}
	return out
}
