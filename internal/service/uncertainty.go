package service

import (
	"context"

	"github.com/diagnostic-triage-engine/internal/domain"
)

// UncertaintyService implements domain.UncertaintyQuantifier.
type UncertaintyService struct {
	config domain.UncertaintyConfig
}

// NewUncertaintyService creates a quantifier
func NewUncertaintyService(config domain.UncertaintyConfig) *UncertaintyService {
	if config.GapSaturation <= 0 {
		config.GapSaturation = 0.3
	}
	return &UncertaintyService{config: config}
}

// Quantify derives aleatoric uncertainty from symptom confidence and detail,
// epistemic uncertainty from the candidate confidence, the rank-1/rank-2 gap
// and patient context completeness.
func (u *UncertaintyService) Quantify(ctx context.Context, input domain.UncertaintyInput) (*domain.UncertaintyProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	aleatoric := 1.0
	if n := input.Normalization; n != nil {
		total := len(n.Canonical) + len(n.Unclassified)
		if total > 0 {
			var confSum, detailSum float64
			for _, cs := range n.Canonical {
				confSum += cs.Confidence
				detailSum += cs.DetailCompleteness()
			}
			for _, us := range n.Unclassified {
				detailSum += domain.SymptomDetailCompleteness(us.Symptom)
			}
			meanConf := confSum / float64(total)
			meanDetail := detailSum / float64(total)
			aleatoric = clamp01(0.7*(1-meanConf) + 0.3*(1-meanDetail))
		}
	}

	epistemic := 1.0
	if len(input.Candidates) > 0 {
		top := input.Candidates[0]
		gap := top.Score
		if len(input.Candidates) > 1 {
			gap = top.Score - input.Candidates[1].Score
		}
		gapTerm := gap / u.config.GapSaturation
		if gapTerm > 1 {
			gapTerm = 1
		}
		epistemic = clamp01(0.5*(1-top.Confidence) + 0.3*(1-gapTerm) + 0.2*(1-input.Patient.Completeness()))
	}

	overall := clamp01(1 - (0.55*epistemic + 0.45*aleatoric))
	profile := &domain.UncertaintyProfile{
		OverallConfidence: round4(overall),
		ConfidenceLevel:   domain.ConfidenceLevelFor(overall),
		Epistemic:         round4(epistemic),
		Aleatoric:         round4(aleatoric),
	}
	if overall < u.config.LowConfidenceFloor {
		profile.Flags = append(profile.Flags, domain.FlagLowConfidence)
	}
	return profile, nil
}
