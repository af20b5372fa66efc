package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/pkg/textnorm"
)

// ConditionMatcherService implements domain.ConditionMatcher. Characteristic
// symptom embeddings are computed once at construction and only read afterwards.
type ConditionMatcherService struct {
	kb      domain.KnowledgeBase
	vectors map[string][]float64
	config  domain.MatcherConfig
	logger  *logrus.Logger
}

// NewConditionMatcherService embeds every characteristic symptom of the
// knowledge base. Any embedding failure aborts construction.
func NewConditionMatcherService(
	ctx context.Context,
	kb domain.KnowledgeBase,
	embedder domain.Embedder,
	config domain.MatcherConfig,
	logger *logrus.Logger,
) (*ConditionMatcherService, error) {
	if config.TopK <= 0 {
		config.TopK = 5
	}

	handle, err := kb.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire knowledge base: %w", err)
	}
	defer handle.Release()

	vectors := make(map[string][]float64)
	for _, cond := range handle.Conditions() {
		for _, cs := range cond.Symptoms {
			if _, ok := vectors[cs.Name]; ok {
				continue
			}
			vec, err := embedder.Embed(ctx, cs.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to embed characteristic symptom %q of %s: %w", cs.Name, cond.ID, err)
			}
			if len(vec) != embedder.Dimension() {
				return nil, fmt.Errorf("characteristic symptom %q: %w", cs.Name, domain.ErrDimensionMismatch)
			}
			vectors[cs.Name] = vec
		}
	}

	logger.WithField("characteristic_symptoms", len(vectors)).Info("Condition matcher initialized")

	return &ConditionMatcherService{kb: kb, vectors: vectors, config: config, logger: logger}, nil
}

type symptomPair struct {
	input int
	ref   int
	sim   float64
}

// Match ranks every condition of the knowledge base. An empty knowledge base
// or no condition above the score floor yields an empty list and a *NoMatchError.
func (m *ConditionMatcherService) Match(ctx context.Context, symptoms []domain.CanonicalSymptom, patient domain.PatientContext) ([]domain.ConditionCandidate, error) {
	handle, err := m.kb.Acquire(ctx)
	if err != nil {
		return []domain.ConditionCandidate{}, fmt.Errorf("failed to acquire knowledge base: %w", err)
	}
	defer handle.Release()

	conditions := handle.Conditions()
	if len(conditions) == 0 {
		return []domain.ConditionCandidate{}, &domain.NoMatchError{Reason: "knowledge base contains no conditions"}
	}
	if len(symptoms) == 0 {
		return []domain.ConditionCandidate{}, &domain.NoMatchError{Reason: "no classified symptoms to match"}
	}

	completeness := 0.5*patient.Completeness() + 0.5*meanDetailCompleteness(symptoms)
	symptomConfidence := make([]float64, len(symptoms))
	for i, s := range symptoms {
		symptomConfidence[i] = s.Confidence
	}
	meanSymptomConf := mean(symptomConfidence)

	candidates := make([]domain.ConditionCandidate, 0)
	for _, cond := range conditions {
		if err := ctx.Err(); err != nil {
			return []domain.ConditionCandidate{}, err
		}
		candidate, ok := m.scoreCondition(cond, symptoms, patient, meanSymptomConf, completeness)
		if ok {
			candidates = append(candidates, candidate)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RawSimilarity != b.RawSimilarity {
			return a.RawSimilarity > b.RawSimilarity
		}
		return a.Name < b.Name
	})
	if len(candidates) > m.config.TopK {
		candidates = candidates[:m.config.TopK]
	}

	if len(candidates) == 0 {
		return candidates, &domain.NoMatchError{Reason: "no condition reached the minimum similarity"}
	}

	m.logger.WithFields(logrus.Fields{
		"candidates":    len(candidates),
		"top_condition": candidates[0].ConditionID,
		"top_score":     candidates[0].Score,
	}).Debug("Ranked conditions")

	return candidates, nil
}

func (m *ConditionMatcherService) scoreCondition(
	cond domain.Condition,
	symptoms []domain.CanonicalSymptom,
	patient domain.PatientContext,
	meanSymptomConf, completeness float64,
) (domain.ConditionCandidate, bool) {
	// Greedy global pairing: best pairs first, neither side reused.
	var pairs []symptomPair
	for i, s := range symptoms {
		for j, cs := range cond.Symptoms {
			vec, ok := m.vectors[cs.Name]
			if !ok {
				continue
			}
			if sim := Cosine(s.Embedding, vec); sim >= m.config.PairFloor {
				pairs = append(pairs, symptomPair{input: i, ref: j, sim: sim})
			}
		}
	}
	if len(pairs) == 0 {
		return domain.ConditionCandidate{}, false
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].sim != pairs[b].sim {
			return pairs[a].sim > pairs[b].sim
		}
		if pairs[a].input != pairs[b].input {
			return pairs[a].input < pairs[b].input
		}
		return pairs[a].ref < pairs[b].ref
	})

	usedInput := make(map[int]bool)
	usedRef := make(map[int]bool)
	var matched []symptomPair
	for _, p := range pairs {
		if usedInput[p.input] || usedRef[p.ref] {
			continue
		}
		usedInput[p.input], usedRef[p.ref] = true, true
		matched = append(matched, p)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].input < matched[b].input })

	var weightedSim, matchedWeight, simSum float64
	contributing := make([]domain.SymptomMatch, 0, len(matched))
	for _, p := range matched {
		w := cond.Symptoms[p.ref].Weight
		weightedSim += p.sim * w
		matchedWeight += w
		simSum += p.sim
		contributing = append(contributing, domain.SymptomMatch{
			SymptomIndex:   symptoms[p.input].SourceIndex,
			Symptom:        symptoms[p.input].Name,
			Characteristic: cond.Symptoms[p.ref].Name,
			Similarity:     round4(p.sim),
		})
	}

	inputCoverage := weightedSim / float64(len(symptoms))
	var profileTerm float64
	if total := cond.TotalWeight(); total > 0 && matchedWeight > 0 {
		profileTerm = (matchedWeight / total) * (weightedSim / matchedWeight)
	}
	base := clamp01(0.75*inputCoverage + 0.25*profileTerm)
	if base < m.config.MinScore {
		return domain.ConditionCandidate{}, false
	}

	multiplier, factors := m.contextMultiplier(cond, patient, symptoms)
	adjusted := clamp01(base * multiplier)

	meanPairSim := simSum / float64(len(matched))
	corroboration := 1 - 1/(1+float64(len(matched)))
	confidence := clamp01(0.35*adjusted + 0.25*meanPairSim + 0.15*corroboration +
		0.15*meanSymptomConf + 0.1*completeness)

	return domain.ConditionCandidate{
		ConditionID:          cond.ID,
		Name:                 cond.Name,
		ICDCode:              cond.ICDCode,
		Score:                round4(adjusted),
		RawSimilarity:        round4(base),
		Confidence:           round4(confidence),
		ConfidenceLevel:      domain.ConfidenceLevelFor(confidence),
		ContributingSymptoms: contributing,
		RiskFactors:          factors,
	}, true
}

// contextMultiplier combines the history, age, sex and onset adjustments.
func (m *ConditionMatcherService) contextMultiplier(cond domain.Condition, patient domain.PatientContext, symptoms []domain.CanonicalSymptom) (float64, []domain.RiskFactorMatch) {
	multiplier := 1.0
	var factors []domain.RiskFactorMatch

	terms := append(append([]string(nil), cond.RiskFactors...), cond.RelatedConditions...)
	matches := 0
	for _, term := range terms {
		if matches >= m.config.MaxHistoryMatches {
			break
		}
		for _, h := range patient.MedicalHistory {
			if textnorm.TermsMatch(term, h) {
				boost := 1 + m.config.HistoryBoost
				multiplier *= boost
				matches++
				factors = append(factors, domain.RiskFactorMatch{Factor: "history: " + term, Status: domain.RiskFactorMatched, Multiplier: boost})
				break
			}
		}
	}

	if !cond.AgeRange.Contains(patient.Age) {
		decay := 1 - m.config.AgeDecayPerYear*float64(cond.AgeRange.Distance(patient.Age))
		if decay < m.config.AgeFloor {
			decay = m.config.AgeFloor
		}
		multiplier *= decay
		factors = append(factors, domain.RiskFactorMatch{
			Factor:     fmt.Sprintf("age %d outside typical range %d-%d", patient.Age, cond.AgeRange.Min, cond.AgeRange.Max),
			Status:     domain.RiskFactorViolated,
			Multiplier: round4(decay),
		})
	}

	if cond.SexPredilection != "" && patient.KnownGender() {
		gender := normalizeGender(patient.Gender)
		want := normalizeGender(cond.SexPredilection)
		switch {
		case cond.SexSpecific && gender != want:
			multiplier *= m.config.SexMismatchMultiplier
			factors = append(factors, domain.RiskFactorMatch{Factor: "occurs only in " + want + " patients", Status: domain.RiskFactorViolated, Multiplier: m.config.SexMismatchMultiplier})
		case !cond.SexSpecific && gender == want:
			multiplier *= m.config.SexPredilectionMultiplier
			factors = append(factors, domain.RiskFactorMatch{Factor: "more common in " + want + " patients", Status: domain.RiskFactorMatched, Multiplier: m.config.SexPredilectionMultiplier})
		}
	}

	if cond.Onset == domain.OnsetAcute || cond.Onset == domain.OnsetChronic {
		if observed := observedOnset(symptoms); observed != "" {
			if observed == cond.Onset {
				multiplier *= m.config.OnsetMatchMultiplier
				factors = append(factors, domain.RiskFactorMatch{Factor: "onset consistent with " + string(cond.Onset) + " course", Status: domain.RiskFactorMatched, Multiplier: m.config.OnsetMatchMultiplier})
			} else {
				multiplier *= m.config.OnsetMismatchMultiplier
				factors = append(factors, domain.RiskFactorMatch{Factor: "onset inconsistent with " + string(cond.Onset) + " course", Status: domain.RiskFactorViolated, Multiplier: m.config.OnsetMismatchMultiplier})
			}
		}
	}

	return multiplier, factors
}

func normalizeGender(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "f", "female", "woman", "girl":
		return "female"
	case "m", "male", "man", "boy":
		return "male"
	default:
		return strings.ToLower(strings.TrimSpace(g))
	}
}

// observedOnset derives the time course from the reported durations. The
// longest reported course wins; no parsable duration yields "".
func observedOnset(symptoms []domain.CanonicalSymptom) domain.Onset {
	var onset domain.Onset
	for _, s := range symptoms {
		switch DurationOnset(s.Original.Duration) {
		case domain.OnsetChronic:
			return domain.OnsetChronic
		case domain.OnsetAcute:
			onset = domain.OnsetAcute
		}
	}
	return onset
}

// DurationOnset classifies a free-text duration. Minutes, hours and days are
// acute; months and years are chronic; weeks are chronic from three on.
func DurationOnset(duration string) domain.Onset {
	words := strings.Fields(textnorm.Normalize(duration))
	if len(words) == 0 {
		return ""
	}

	amount := 1
	for _, w := range words {
		if v, err := strconv.Atoi(w); err == nil {
			amount = v
			break
		}
	}

	for _, w := range words {
		switch {
		case w == "sudden" || w == "suddenly" || w == "today" || w == "yesterday":
			return domain.OnsetAcute
		case strings.HasPrefix(w, "minute"), strings.HasPrefix(w, "hour"), strings.HasPrefix(w, "day"):
			return domain.OnsetAcute
		case strings.HasPrefix(w, "week"):
			if amount >= 3 {
				return domain.OnsetChronic
			}
			return domain.OnsetAcute
		case strings.HasPrefix(w, "month"), strings.HasPrefix(w, "year"), w == "chronic", w == "chronically":
			return domain.OnsetChronic
		}
	}
	return ""
}

func meanDetailCompleteness(symptoms []domain.CanonicalSymptom) float64 {
	if len(symptoms) == 0 {
		return 0
	}
	var sum float64
	for _, s := range symptoms {
		sum += s.DetailCompleteness()
	}
	return sum / float64(len(symptoms))
}
