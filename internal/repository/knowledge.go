package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/diagnostic-triage-engine/internal/domain"
	"github.com/diagnostic-triage-engine/internal/knowledge"
)

// KnowledgeRepository persists the knowledge base in the Postgres schema
// created by the database migrations.
type KnowledgeRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewKnowledgeRepository creates a new knowledge repository
func NewKnowledgeRepository(db *pgxpool.Pool, logger *logrus.Logger) *KnowledgeRepository {
	return &KnowledgeRepository{
		db:  db,
		log: logger,
	}
}

// Load reads a consistent snapshot of every knowledge table into a Seed.
// Callers compile it with knowledge.NewCatalog.
func (r *KnowledgeRepository) Load(ctx context.Context) (*knowledge.Seed, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning knowledge snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	seed := &knowledge.Seed{
		DrugClasses: make(map[string][]string),
		Synonyms:    make(map[string]string),
	}

	if seed.Conditions, err = loadConditions(ctx, tx); err != nil {
		return nil, err
	}
	if seed.Guidelines, err = loadGuidelines(ctx, tx); err != nil {
		return nil, err
	}
	if err := loadDrugClasses(ctx, tx, seed.DrugClasses); err != nil {
		return nil, err
	}
	if seed.Interactions, err = loadInteractions(ctx, tx); err != nil {
		return nil, err
	}
	if err := loadSynonyms(ctx, tx, seed.Synonyms); err != nil {
		return nil, err
	}
	if seed.RedFlags, err = loadRedFlags(ctx, tx); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing knowledge snapshot: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"conditions":   len(seed.Conditions),
		"guidelines":   len(seed.Guidelines),
		"interactions": len(seed.Interactions),
		"red_flags":    len(seed.RedFlags),
	}).Info("Knowledge base loaded from database")

	return seed, nil
}

// Import replaces the stored knowledge base with the given seed in a single
// transaction.
func (r *KnowledgeRepository) Import(ctx context.Context, seed *knowledge.Seed) error {
	if seed == nil {
		return fmt.Errorf("seed is required")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning knowledge import: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `TRUNCATE conditions, condition_symptoms, guidelines, guideline_treatments,
		drug_classes, drug_interactions, symptom_synonyms, red_flag_rules RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("clearing knowledge tables: %w", err)
	}

	for i, cond := range seed.Conditions {
		if err := insertCondition(ctx, tx, i, cond); err != nil {
			return err
		}
	}
	for _, g := range seed.Guidelines {
		if err := insertGuideline(ctx, tx, g); err != nil {
			return err
		}
	}
	for drug, classes := range seed.DrugClasses {
		for _, class := range classes {
			_, err := tx.Exec(ctx, `INSERT INTO drug_classes (drug, class) VALUES ($1, $2) ON CONFLICT DO NOTHING`, drug, class)
			if err != nil {
				return fmt.Errorf("inserting drug class %s/%s: %w", drug, class, err)
			}
		}
	}
	for _, in := range seed.Interactions {
		_, err := tx.Exec(ctx, `INSERT INTO drug_interactions (drug_a, drug_b, severity, description) VALUES ($1, $2, $3, $4)`,
			in.DrugA, in.DrugB, string(in.Severity), in.Description)
		if err != nil {
			return fmt.Errorf("inserting interaction %s/%s: %w", in.DrugA, in.DrugB, err)
		}
	}
	for synonym, canonical := range seed.Synonyms {
		_, err := tx.Exec(ctx, `INSERT INTO symptom_synonyms (synonym, canonical) VALUES ($1, $2)`, synonym, canonical)
		if err != nil {
			return fmt.Errorf("inserting synonym %q: %w", synonym, err)
		}
	}
	for i, def := range seed.RedFlags {
		when, err := json.Marshal(def.When)
		if err != nil {
			return fmt.Errorf("encoding red-flag rule %s: %w", def.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO red_flag_rules (id, position, name, description, weight, action, rule_when)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			def.ID, i, def.Name, def.Description, def.Weight, def.Action, when)
		if err != nil {
			return fmt.Errorf("inserting red-flag rule %s: %w", def.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing knowledge import: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"conditions": len(seed.Conditions),
		"guidelines": len(seed.Guidelines),
		"red_flags":  len(seed.RedFlags),
	}).Info("Knowledge base imported")

	return nil
}

func insertCondition(ctx context.Context, tx pgx.Tx, position int, cond domain.Condition) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO conditions (
			id, position, name, icd_code, body_system, age_min, age_max, onset,
			sex_predilection, sex_specific, risk_factors, related_conditions, warning_signs
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		cond.ID, position, cond.Name, cond.ICDCode, cond.BodySystem,
		cond.AgeRange.Min, cond.AgeRange.Max, string(cond.Onset),
		cond.SexPredilection, cond.SexSpecific,
		nonNil(cond.RiskFactors), nonNil(cond.RelatedConditions), nonNil(cond.WarningSigns),
	)
	if err != nil {
		return fmt.Errorf("inserting condition %s: %w", cond.ID, err)
	}

	for i, s := range cond.Symptoms {
		_, err := tx.Exec(ctx, `INSERT INTO condition_symptoms (condition_id, position, name, weight) VALUES ($1, $2, $3, $4)`,
			cond.ID, i, s.Name, s.Weight)
		if err != nil {
			return fmt.Errorf("inserting symptom %q of %s: %w", s.Name, cond.ID, err)
		}
	}
	return nil
}

func insertGuideline(ctx context.Context, tx pgx.Tx, g domain.Guideline) error {
	if _, err := tx.Exec(ctx, `INSERT INTO guidelines (condition_id, source) VALUES ($1, $2)`, g.ConditionID, g.Source); err != nil {
		return fmt.Errorf("inserting guideline %s: %w", g.Source, err)
	}

	for i, t := range g.Treatments {
		_, err := tx.Exec(ctx, `
			INSERT INTO guideline_treatments (
				condition_id, position, name, category, description, dosage, duration, drug_class,
				ingredients, allergy_conflicts, history_contraindications, min_age, max_age, caution_age_above
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			g.ConditionID, i, t.Name, string(t.Category), t.Description, t.Dosage, t.Duration, t.DrugClass,
			nonNil(t.Ingredients), nonNil(t.AllergyConflicts), nonNil(t.HistoryContraindications),
			t.MinAge, t.MaxAge, t.CautionAgeAbove,
		)
		if err != nil {
			return fmt.Errorf("inserting treatment %q of %s: %w", t.Name, g.ConditionID, err)
		}
	}
	return nil
}

func loadConditions(ctx context.Context, tx pgx.Tx) ([]domain.Condition, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, name, icd_code, body_system, age_min, age_max, onset,
			   sex_predilection, sex_specific, risk_factors, related_conditions, warning_signs
		FROM conditions
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying conditions: %w", err)
	}
	defer rows.Close()

	var conditions []domain.Condition
	byID := make(map[string]int)
	for rows.Next() {
		var cond domain.Condition
		var onset string
		if err := rows.Scan(
			&cond.ID, &cond.Name, &cond.ICDCode, &cond.BodySystem,
			&cond.AgeRange.Min, &cond.AgeRange.Max, &onset,
			&cond.SexPredilection, &cond.SexSpecific,
			&cond.RiskFactors, &cond.RelatedConditions, &cond.WarningSigns,
		); err != nil {
			return nil, fmt.Errorf("scanning condition: %w", err)
		}
		cond.Onset = domain.Onset(onset)
		byID[cond.ID] = len(conditions)
		conditions = append(conditions, cond)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conditions: %w", err)
	}

	symptoms, err := tx.Query(ctx, `SELECT condition_id, name, weight FROM condition_symptoms ORDER BY condition_id, position`)
	if err != nil {
		return nil, fmt.Errorf("querying condition symptoms: %w", err)
	}
	defer symptoms.Close()

	for symptoms.Next() {
		var conditionID string
		var s domain.CharacteristicSymptom
		if err := symptoms.Scan(&conditionID, &s.Name, &s.Weight); err != nil {
			return nil, fmt.Errorf("scanning condition symptom: %w", err)
		}
		if i, ok := byID[conditionID]; ok {
			conditions[i].Symptoms = append(conditions[i].Symptoms, s)
		}
	}
	if err := symptoms.Err(); err != nil {
		return nil, fmt.Errorf("iterating condition symptoms: %w", err)
	}

	return conditions, nil
}

func loadGuidelines(ctx context.Context, tx pgx.Tx) ([]domain.Guideline, error) {
	rows, err := tx.Query(ctx, `SELECT condition_id, source FROM guidelines ORDER BY condition_id`)
	if err != nil {
		return nil, fmt.Errorf("querying guidelines: %w", err)
	}
	defer rows.Close()

	var guidelines []domain.Guideline
	byID := make(map[string]int)
	for rows.Next() {
		var g domain.Guideline
		if err := rows.Scan(&g.ConditionID, &g.Source); err != nil {
			return nil, fmt.Errorf("scanning guideline: %w", err)
		}
		byID[g.ConditionID] = len(guidelines)
		guidelines = append(guidelines, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guidelines: %w", err)
	}

	treatments, err := tx.Query(ctx, `
		SELECT condition_id, name, category, description, dosage, duration, drug_class,
			   ingredients, allergy_conflicts, history_contraindications, min_age, max_age, caution_age_above
		FROM guideline_treatments
		ORDER BY condition_id, position`)
	if err != nil {
		return nil, fmt.Errorf("querying guideline treatments: %w", err)
	}
	defer treatments.Close()

	for treatments.Next() {
		var conditionID, category string
		var t domain.TreatmentEntry
		if err := treatments.Scan(
			&conditionID, &t.Name, &category, &t.Description, &t.Dosage, &t.Duration, &t.DrugClass,
			&t.Ingredients, &t.AllergyConflicts, &t.HistoryContraindications,
			&t.MinAge, &t.MaxAge, &t.CautionAgeAbove,
		); err != nil {
			return nil, fmt.Errorf("scanning guideline treatment: %w", err)
		}
		t.Category = domain.TreatmentCategory(category)
		if i, ok := byID[conditionID]; ok {
			guidelines[i].Treatments = append(guidelines[i].Treatments, t)
		}
	}
	if err := treatments.Err(); err != nil {
		return nil, fmt.Errorf("iterating guideline treatments: %w", err)
	}

	return guidelines, nil
}

func loadDrugClasses(ctx context.Context, tx pgx.Tx, into map[string][]string) error {
	rows, err := tx.Query(ctx, `SELECT drug, class FROM drug_classes ORDER BY drug, class`)
	if err != nil {
		return fmt.Errorf("querying drug classes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var drug, class string
		if err := rows.Scan(&drug, &class); err != nil {
			return fmt.Errorf("scanning drug class: %w", err)
		}
		into[drug] = append(into[drug], class)
	}
	return rows.Err()
}

func loadInteractions(ctx context.Context, tx pgx.Tx) ([]domain.DrugInteraction, error) {
	rows, err := tx.Query(ctx, `SELECT drug_a, drug_b, severity, description FROM drug_interactions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying drug interactions: %w", err)
	}
	defer rows.Close()

	var interactions []domain.DrugInteraction
	for rows.Next() {
		var in domain.DrugInteraction
		var severity string
		if err := rows.Scan(&in.DrugA, &in.DrugB, &severity, &in.Description); err != nil {
			return nil, fmt.Errorf("scanning drug interaction: %w", err)
		}
		in.Severity = domain.InteractionSeverity(severity)
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

func loadSynonyms(ctx context.Context, tx pgx.Tx, into map[string]string) error {
	rows, err := tx.Query(ctx, `SELECT synonym, canonical FROM symptom_synonyms`)
	if err != nil {
		return fmt.Errorf("querying symptom synonyms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var synonym, canonical string
		if err := rows.Scan(&synonym, &canonical); err != nil {
			return fmt.Errorf("scanning symptom synonym: %w", err)
		}
		into[synonym] = canonical
	}
	return rows.Err()
}

func loadRedFlags(ctx context.Context, tx pgx.Tx) ([]domain.RedFlagRuleDefinition, error) {
	rows, err := tx.Query(ctx, `SELECT id, name, description, weight, action, rule_when FROM red_flag_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying red-flag rules: %w", err)
	}
	defer rows.Close()

	var defs []domain.RedFlagRuleDefinition
	for rows.Next() {
		var def domain.RedFlagRuleDefinition
		var when []byte
		if err := rows.Scan(&def.ID, &def.Name, &def.Description, &def.Weight, &def.Action, &when); err != nil {
			return nil, fmt.Errorf("scanning red-flag rule: %w", err)
		}
		if err := json.Unmarshal(when, &def.When); err != nil {
			return nil, fmt.Errorf("decoding red-flag rule %s: %w", def.ID, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
