// Package intake decodes diagnosis requests from JSON and checks them
// against the published request schema before they reach the coordinator.
package intake

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/diagnostic-triage-engine/internal/domain"
)

//go:embed schema/request.json
var requestSchema []byte

// maxRequestBytes bounds a single request document.
const maxRequestBytes = 1 << 20

// SchemaError lists every schema violation of a request document.
type SchemaError struct {
	Violations []*domain.ValidationError
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return "request validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the first violation to errors.As.
func (e *SchemaError) Unwrap() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e.Violations[0]
}

// Decoder validates and decodes request documents.
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles the embedded request schema.
func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(requestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Schema returns the raw JSON schema document.
func Schema() []byte {
	return append([]byte(nil), requestSchema...)
}

// Decode reads one request document, validates it and normalises symptom
// severities. Unknown severities are reported as validation errors.
func (d *Decoder) Decode(r io.Reader) (domain.DiagnosisRequest, error) {
	var req domain.DiagnosisRequest

	data, err := io.ReadAll(io.LimitReader(r, maxRequestBytes+1))
	if err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}
	if len(data) > maxRequestBytes {
		return req, &SchemaError{Violations: []*domain.ValidationError{
			domain.NewValidationError("(root)", fmt.Sprintf("request exceeds %d bytes", maxRequestBytes), len(data)),
		}}
	}
	return d.DecodeBytes(data)
}

// DecodeBytes is Decode for an in-memory document.
func (d *Decoder) DecodeBytes(data []byte) (domain.DiagnosisRequest, error) {
	var req domain.DiagnosisRequest

	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return req, &SchemaError{Violations: []*domain.ValidationError{
			domain.NewValidationError("(root)", "request is not valid JSON", err.Error()),
		}}
	}
	if !result.Valid() {
		violations := make([]*domain.ValidationError, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			violations = append(violations, domain.NewValidationError(fieldPath(re.Field()), re.Description(), re.Value()))
		}
		return req, &SchemaError{Violations: violations}
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to decode request: %w", err)
	}

	var violations []*domain.ValidationError
	for i := range req.Symptoms {
		sev, err := domain.ParseSeverity(string(req.Symptoms[i].Severity))
		if err != nil {
			violations = append(violations, domain.NewValidationError(
				fmt.Sprintf("symptoms[%d].severity", i),
				"severity must be one of mild, moderate, severe, critical",
				req.Symptoms[i].Severity,
			))
			continue
		}
		req.Symptoms[i].Severity = sev
	}
	if len(violations) > 0 {
		return req, &SchemaError{Violations: violations}
	}

	return req, nil
}

// fieldPath rewrites gojsonschema paths ("symptoms.0.name") into the
// bracketed form used by request validation ("symptoms[0].name").
func fieldPath(field string) string {
	parts := strings.Split(field, ".")
	var b strings.Builder
	for i, p := range parts {
		if isIndex(p) && i > 0 {
			b.WriteString("[" + p + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
