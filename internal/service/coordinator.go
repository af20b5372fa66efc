package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
)

const (
	warningSignConditions = 3
	auditTimeout          = 2 * time.Second
)

// Agents groups the capabilities the coordinator fans out to.
type Agents struct {
	Normalizer domain.SymptomNormalizer
	Matcher    domain.ConditionMatcher
	Detector   domain.UrgencyDetector
	Retriever  domain.TreatmentRetriever
	Quantifier domain.UncertaintyQuantifier
	Knowledge  domain.KnowledgeBase
	AuditSink  domain.AuditSink
	Observer   domain.PipelineObserver
	RequestIDs func() string
	Clock      func() time.Time
}

// Coordinator runs one diagnosis request through the agent pipeline. It holds
// no per-request state and is safe for concurrent use.
type Coordinator struct {
	agents Agents
	logger *logrus.Logger
}

// NewCoordinator creates a coordinator. Knowledge, AuditSink, Observer,
// RequestIDs and Clock are optional.
func NewCoordinator(agents Agents, logger *logrus.Logger) (*Coordinator, error) {
	switch {
	case agents.Normalizer == nil:
		return nil, errors.New("normalizer is required")
	case agents.Matcher == nil:
		return nil, errors.New("condition matcher is required")
	case agents.Detector == nil:
		return nil, errors.New("urgency detector is required")
	case agents.Retriever == nil:
		return nil, errors.New("treatment retriever is required")
	case agents.Quantifier == nil:
		return nil, errors.New("uncertainty quantifier is required")
	}
	if agents.RequestIDs == nil {
		agents.RequestIDs = func() string { return uuid.New().String() }
	}
	if agents.Clock == nil {
		agents.Clock = time.Now
	}
	return &Coordinator{agents: agents, logger: logger}, nil
}

// run tracks the state machine of a single request.
type run struct {
	result *domain.DiagnosisResult
	logger *logrus.Entry
}

func (r *run) transition(next domain.PipelineState) error {
	current := r.result.State
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, next)
	}
	r.result.State = next
	r.result.StateHistory = append(r.result.StateHistory, next)
	r.logger.WithFields(logrus.Fields{"from": current, "to": next}).Debug("Pipeline state changed")
	return nil
}

// Diagnose runs the full pipeline. The only error it returns is a
// *domain.PipelineError, in which case no result is produced and the caller
// must report that the request could not be assessed.
func (c *Coordinator) Diagnose(ctx context.Context, req domain.DiagnosisRequest) (*domain.DiagnosisResult, error) {
	start := c.agents.Clock()
	requestID := c.agents.RequestIDs()
	r := &run{
		result: &domain.DiagnosisResult{
			RequestID:      requestID,
			State:          domain.StateReceived,
			StateHistory:   []domain.PipelineState{domain.StateReceived},
			ChiefComplaint: req.ChiefComplaint,
			Disclaimer:     domain.Disclaimer,
			CreatedAt:      start.UTC(),
		},
		logger: c.logger.WithField("request_id", requestID),
	}
	r.logger.WithField("symptoms", len(req.Symptoms)).Info("Starting diagnosis")

	if err := ValidateRequest(req); err != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, err)
	}

	// Normalizing
	if err := r.transition(domain.StateNormalizing); err != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, err)
	}
	stageStart := time.Now()
	norm, err := c.agents.Normalizer.Normalize(ctx, req.Symptoms, req.Patient)
	c.observeStage(domain.StateNormalizing, time.Since(stageStart))
	if ctx.Err() != nil {
		return nil, c.fail(ctx, r, domain.AgentNormalizer, cancelled(ctx))
	}
	if err != nil || norm == nil {
		// Without normalization every symptom is still scanned for red flags.
		r.logger.WithError(err).Error("Normalizer failed; treating all symptoms as unclassified")
		norm = allUnclassified(req.Symptoms, err)
	}

	// Analyzing
	if err := r.transition(domain.StateAnalyzing); err != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, err)
	}
	stageStart = time.Now()
	var (
		wg         sync.WaitGroup
		candidates []domain.ConditionCandidate
		matchErr   error
		urgency    *domain.UrgencyAssessment
		urgencyErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverInto(&matchErr, domain.AgentMatcher)
		candidates, matchErr = c.agents.Matcher.Match(ctx, norm.Canonical, req.Patient)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto(&urgencyErr, domain.AgentUrgency)
		urgency, urgencyErr = c.agents.Detector.Assess(ctx, domain.UrgencyInput{
			Canonical:      norm.Canonical,
			Unclassified:   norm.Unclassified,
			Patient:        req.Patient,
			ChiefComplaint: req.ChiefComplaint,
		})
	}()
	wg.Wait()
	c.observeStage(domain.StateAnalyzing, time.Since(stageStart))

	if ctx.Err() != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, cancelled(ctx))
	}
	if urgencyErr != nil || urgency == nil {
		if urgencyErr == nil {
			urgencyErr = domain.ErrRuleSetUnavailable
		}
		return nil, c.fail(ctx, r, domain.AgentUrgency, urgencyErr)
	}
	if matchErr != nil {
		var noMatch *domain.NoMatchError
		if errors.As(matchErr, &noMatch) {
			r.logger.WithField("reason", noMatch.Reason).Warn("No matching condition")
		} else {
			r.logger.WithError(matchErr).Warn("Condition matcher failed")
			if c.agents.Observer != nil {
				c.agents.Observer.ObserveCapabilityError(string(domain.AgentMatcher))
			}
		}
		candidates = nil
	}
	if candidates == nil {
		candidates = []domain.ConditionCandidate{}
	}

	// Synthesizing
	if err := r.transition(domain.StateSynthesizing); err != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, err)
	}
	stageStart = time.Now()
	var (
		plan         *domain.TreatmentPlan
		treatmentErr error
		profile      *domain.UncertaintyProfile
		profileErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverInto(&treatmentErr, domain.AgentTreatment)
		plan, treatmentErr = c.agents.Retriever.Retrieve(ctx, candidates, req.Patient, urgency.Tier)
	}()
	go func() {
		defer wg.Done()
		defer recoverInto(&profileErr, domain.AgentUncertainty)
		profile, profileErr = c.agents.Quantifier.Quantify(ctx, domain.UncertaintyInput{
			Normalization: norm,
			Candidates:    candidates,
			Patient:       req.Patient,
		})
	}()
	wg.Wait()
	c.observeStage(domain.StateSynthesizing, time.Since(stageStart))

	if ctx.Err() != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, cancelled(ctx))
	}
	if treatmentErr != nil || plan == nil {
		r.logger.WithError(treatmentErr).Warn("Treatment retrieval failed")
		plan = &domain.TreatmentPlan{Primary: []domain.TreatmentOption{}, Alternatives: []domain.TreatmentOption{}}
		if treatmentErr == nil {
			treatmentErr = errors.New("treatment retriever returned no plan")
		}
	}
	if profileErr != nil || profile == nil {
		r.logger.WithError(profileErr).Warn("Uncertainty quantification failed; reporting minimum confidence")
		profile = &domain.UncertaintyProfile{
			ConfidenceLevel: domain.ConfidenceVeryLow,
			Epistemic:       1,
			Aleatoric:       1,
			Flags:           []string{domain.FlagLowConfidence},
		}
	}

	t := buildTrail(synthesis{
		symptomCount:  len(req.Symptoms),
		normalization: norm,
		candidates:    candidates,
		matchErr:      matchErr,
		urgency:       urgency,
		plan:          plan,
		treatmentErr:  treatmentErr,
		uncertainty:   profile,
	})

	res := r.result
	res.Urgency = *urgency
	res.RecommendedAction = recommendedAction(urgency, profile)
	res.Conditions = candidates
	res.Treatments = plan.Ordered()
	res.MedicationAlerts = plan.MedicationWarnings
	res.Uncertainty = *profile
	res.Explanation = t.Steps()
	res.Caveats = t.caveats
	res.Unclassified = norm.Unclassified
	res.SystemsAffected = systemsAffected(norm.Canonical)
	res.WarningSigns = c.warningSigns(ctx, r, candidates)

	if err := r.transition(domain.StateComplete); err != nil {
		return nil, c.fail(ctx, r, domain.AgentCoordinator, err)
	}
	res.ProcessingTime = c.agents.Clock().Sub(start)

	c.record(ctx, r, "")
	if c.agents.Observer != nil {
		c.agents.Observer.ObserveOutcome(domain.StateComplete, urgency.Tier, len(norm.Unclassified))
	}

	fields := logrus.Fields{
		"tier":            urgency.Tier,
		"conditions":      len(candidates),
		"unclassified":    len(norm.Unclassified),
		"confidence":      profile.OverallConfidence,
		"processing_time": res.ProcessingTime,
	}
	if len(candidates) > 0 {
		fields["top_condition"] = candidates[0].ConditionID
	}
	r.logger.WithFields(fields).Info("Diagnosis completed")

	return res, nil
}

// fail moves the run to Failed and returns the PipelineError for it.
func (c *Coordinator) fail(ctx context.Context, r *run, component domain.AgentName, err error) error {
	pe := domain.NewPipelineError(r.result.State, component, err)
	pe.RequestID = r.result.RequestID
	r.result.State = domain.StateFailed
	r.result.StateHistory = append(r.result.StateHistory, domain.StateFailed)
	r.logger.WithFields(logrus.Fields{
		"state":     pe.State,
		"component": component,
	}).WithError(err).Error("Diagnosis failed")

	c.record(ctx, r, pe.Error())
	if c.agents.Observer != nil {
		c.agents.Observer.ObserveOutcome(domain.StateFailed, "", 0)
	}
	return pe
}

// record appends the audit record. It runs even after caller cancellation and
// never affects the outcome.
func (c *Coordinator) record(ctx context.Context, r *run, failure string) {
	if c.agents.AuditSink == nil {
		return
	}
	res := r.result
	rec := domain.AuditRecord{
		RequestID:      res.RequestID,
		State:          res.State,
		Tier:           res.Urgency.Tier,
		Score:          res.Urgency.Score,
		TriggeredRules: res.Urgency.RuleIDs(),
		Confidence:     res.Uncertainty.OverallConfidence,
		Error:          failure,
		CreatedAt:      res.CreatedAt,
	}
	if len(res.Conditions) > 0 {
		rec.TopCondition = res.Conditions[0].ConditionID
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := c.agents.AuditSink.Record(auditCtx, rec); err != nil {
		r.logger.WithError(err).Warn("Failed to record audit entry")
	}
}

func (c *Coordinator) observeStage(stage domain.PipelineState, d time.Duration) {
	if c.agents.Observer != nil {
		c.agents.Observer.ObserveStage(stage, d)
	}
}

// warningSigns collects the warning signs of the top conditions, first occurrence wins.
func (c *Coordinator) warningSigns(ctx context.Context, r *run, candidates []domain.ConditionCandidate) []string {
	if c.agents.Knowledge == nil || len(candidates) == 0 {
		return nil
	}
	handle, err := c.agents.Knowledge.Acquire(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to acquire knowledge base for warning signs")
		return nil
	}
	defer handle.Release()

	var signs []string
	seen := make(map[string]bool)
	for i, candidate := range candidates {
		if i >= warningSignConditions {
			break
		}
		cond, ok := handle.Condition(candidate.ConditionID)
		if !ok {
			continue
		}
		for _, sign := range cond.WarningSigns {
			key := strings.ToLower(sign)
			if !seen[key] {
				seen[key] = true
				signs = append(signs, sign)
			}
		}
	}
	return signs
}

// recommendedAction is the urgency tier action. Under emergency it is never
// altered; otherwise low confidence strengthens the advice to see a clinician.
func recommendedAction(urgency *domain.UrgencyAssessment, profile *domain.UncertaintyProfile) string {
	action := urgency.RecommendedAction
	if urgency.Tier != domain.TierEmergency && profile.LowConfidence() {
		action += ". Because confidence in this assessment is low, consult a healthcare professional"
	}
	return action
}

func systemsAffected(symptoms []domain.CanonicalSymptom) []string {
	var systems []string
	seen := make(map[string]bool)
	for _, s := range symptoms {
		if s.Label == "" || s.Label == "general" || seen[s.Label] {
			continue
		}
		seen[s.Label] = true
		systems = append(systems, s.Label)
	}
	return systems
}

func allUnclassified(symptoms []domain.Symptom, err error) *domain.NormalizationResult {
	reason := "normalizer unavailable"
	if err != nil {
		reason = err.Error()
	}
	res := &domain.NormalizationResult{Canonical: []domain.CanonicalSymptom{}}
	for i, s := range symptoms {
		res.Unclassified = append(res.Unclassified, domain.UnclassifiedSymptom{SourceIndex: i, Name: s.Name, Symptom: s, Reason: reason})
	}
	return res
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %v", domain.ErrCancelledRequest, ctx.Err())
}

// recoverInto converts a panic in an agent branch into that branch's error.
func recoverInto(errp *error, agent domain.AgentName) {
	if rec := recover(); rec != nil {
		*errp = fmt.Errorf("%s panicked: %v", agent, rec)
	}
}

// ValidateRequest checks the request before any agent runs.
func ValidateRequest(req domain.DiagnosisRequest) error {
	if req.Patient.Age < 0 {
		return domain.NewValidationError("patient.age", "age must be non-negative", req.Patient.Age)
	}
	for i, s := range req.Symptoms {
		if strings.TrimSpace(s.Name) == "" {
			return domain.NewValidationError(fmt.Sprintf("symptoms[%d].name", i), "symptom name is required", s.Name)
		}
		if _, err := domain.ParseSeverity(string(s.Severity)); err != nil {
			return domain.NewValidationError(fmt.Sprintf("symptoms[%d].severity", i), "severity must be one of mild, moderate, severe, critical", s.Severity)
		}
	}
	return nil
}
