// Package knowledge holds the read-only reference data of the engine: the
// condition catalogue, treatment guidelines, drug interactions, the symptom
// lexicon and the red-flag rule set.
package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/pkg/textnorm"
)

// Catalog is the in-memory knowledge base. It is built once and never
// mutated, so all read methods are safe for concurrent use.
type Catalog struct {
	conditions   []domain.Condition
	byID         map[string]int
	guidelines   map[string]domain.Guideline
	interactions []domain.DrugInteraction
	drugClasses  map[string][]string
	synonyms     map[string]string
	definitions  []domain.RedFlagRuleDefinition
	rules        []domain.RedFlagRule

	mu      sync.RWMutex
	closed  bool
	handles sync.WaitGroup
	active  atomic.Int64
}

// NewCatalog validates a seed and compiles it into a Catalog.
func NewCatalog(seed *Seed) (*Catalog, error) {
	if seed == nil {
		return nil, fmt.Errorf("seed is required")
	}

	c := &Catalog{
		byID:        make(map[string]int, len(seed.Conditions)),
		guidelines:  make(map[string]domain.Guideline, len(seed.Guidelines)),
		drugClasses: make(map[string][]string, len(seed.DrugClasses)),
		synonyms:    make(map[string]string, len(seed.Synonyms)),
	}

	for _, cond := range seed.Conditions {
		if err := validateCondition(cond); err != nil {
			return nil, err
		}
		if _, dup := c.byID[cond.ID]; dup {
			return nil, fmt.Errorf("duplicate condition id %s", cond.ID)
		}
		c.byID[cond.ID] = len(c.conditions)
		c.conditions = append(c.conditions, cond)
	}

	for _, g := range seed.Guidelines {
		if _, ok := c.byID[g.ConditionID]; !ok && len(seed.Conditions) > 0 {
			return nil, fmt.Errorf("guideline %s references unknown condition %s", g.Source, g.ConditionID)
		}
		for _, t := range g.Treatments {
			if t.Name == "" || !t.Category.IsValid() {
				return nil, fmt.Errorf("guideline %s has invalid treatment %q (%s)", g.Source, t.Name, t.Category)
			}
		}
		c.guidelines[g.ConditionID] = g
	}

	for _, in := range seed.Interactions {
		if in.DrugA == "" || in.DrugB == "" {
			return nil, fmt.Errorf("drug interaction requires both drugs")
		}
		c.interactions = append(c.interactions, in)
	}
	for drug, classes := range seed.DrugClasses {
		c.drugClasses[textnorm.Stem(drug)] = append([]string(nil), classes...)
	}
	for from, to := range seed.Synonyms {
		c.synonyms[textnorm.Normalize(from)] = textnorm.CollapseSpace(to)
	}

	rules, err := CompileRules(seed.RedFlags)
	if err != nil {
		return nil, fmt.Errorf("failed to compile red-flag rules: %w", err)
	}
	c.definitions = append([]domain.RedFlagRuleDefinition(nil), seed.RedFlags...)
	c.rules = rules

	return c, nil
}

// LoadDefault builds a Catalog from the embedded seed files.
func LoadDefault() (*Catalog, error) {
	seed, err := DefaultSeed()
	if err != nil {
		return nil, err
	}
	return NewCatalog(seed)
}

func validateCondition(cond domain.Condition) error {
	if cond.ID == "" || cond.Name == "" {
		return fmt.Errorf("condition requires id and name")
	}
	if len(cond.Symptoms) == 0 {
		return fmt.Errorf("condition %s has no characteristic symptoms", cond.ID)
	}
	for _, s := range cond.Symptoms {
		if s.Weight <= 0 || s.Weight > 1 {
			return fmt.Errorf("condition %s: symptom %q weight must be within (0,1]", cond.ID, s.Name)
		}
	}
	if cond.AgeRange.Min < 0 || cond.AgeRange.Max < cond.AgeRange.Min {
		return fmt.Errorf("condition %s has invalid age range %d-%d", cond.ID, cond.AgeRange.Min, cond.AgeRange.Max)
	}
	switch cond.Onset {
	case "", domain.OnsetAcute, domain.OnsetChronic, domain.OnsetAny:
	default:
		return fmt.Errorf("condition %s has unknown onset %q", cond.ID, cond.Onset)
	}
	return nil
}

// Acquire returns a scoped read handle. Close waits for all handles to be released.
func (c *Catalog) Acquire(ctx context.Context) (domain.KnowledgeHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, domain.ErrKnowledgeBaseClosed
	}
	c.handles.Add(1)
	c.active.Add(1)
	return &handle{catalog: c}, nil
}

// ActiveHandles reports the number of handles not yet released.
func (c *Catalog) ActiveHandles() int64 {
	return c.active.Load()
}

// Close rejects new handles and waits for outstanding ones.
func (c *Catalog) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.handles.Wait()
}

// Conditions returns the condition list in catalogue order.
func (c *Catalog) Conditions() []domain.Condition {
	return c.conditions
}

// Condition looks up a condition by id
func (c *Catalog) Condition(id string) (domain.Condition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Condition{}, false
	}
	return c.conditions[i], true
}

// Guideline returns the treatment guideline of a condition
func (c *Catalog) Guideline(conditionID string) (domain.Guideline, bool) {
	g, ok := c.guidelines[conditionID]
	return g, ok
}

// GuidelineIDs returns the condition ids that have guidelines, sorted.
func (c *Catalog) GuidelineIDs() []string {
	ids := make([]string, 0, len(c.guidelines))
	for id := range c.guidelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Interactions returns the drug interaction table
func (c *Catalog) Interactions() []domain.DrugInteraction {
	return c.interactions
}

// DrugClasses returns the known classes of a drug.
func (c *Catalog) DrugClasses(drug string) []string {
	return c.drugClasses[textnorm.Stem(drug)]
}

// ClassMembers returns the drugs of a class in name order.
func (c *Catalog) ClassMembers(class string) []string {
	key := textnorm.Normalize(class)
	var drugs []string
	for drug, classes := range c.drugClasses {
		for _, cl := range classes {
			if textnorm.Normalize(cl) == key {
				drugs = append(drugs, drug)
				break
			}
		}
	}
	sort.Strings(drugs)
	return drugs
}

// DrugClassTable returns the full drug-to-class mapping.
func (c *Catalog) DrugClassTable() map[string][]string {
	return c.drugClasses
}

// Synonyms returns the normalised synonym table.
func (c *Catalog) Synonyms() map[string]string {
	return c.synonyms
}

// Canonical maps a symptom name onto its canonical form.
func (c *Catalog) Canonical(name string) string {
	if to, ok := c.synonyms[textnorm.Normalize(name)]; ok {
		return to
	}
	return textnorm.CollapseSpace(name)
}

// Rules returns the compiled red-flag rules in evaluation order.
func (c *Catalog) Rules() []domain.RedFlagRule {
	return c.rules
}

// RuleDefinitions returns the declarative rule set for auditing.
func (c *Catalog) RuleDefinitions() []domain.RedFlagRuleDefinition {
	return c.definitions
}

type handle struct {
	catalog  *Catalog
	released sync.Once
}

func (h *handle) Conditions() []domain.Condition {
	return h.catalog.Conditions()
}

func (h *handle) Condition(id string) (domain.Condition, bool) {
	return h.catalog.Condition(id)
}

func (h *handle) Release() {
	h.released.Do(func() {
		h.catalog.active.Add(-1)
		h.catalog.handles.Done()
	})
}
