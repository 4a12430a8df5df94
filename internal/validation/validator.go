// Package validation normalizes registration payloads and checks them
// against the RegistrationPayload schema of the embedded API document.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/onboarding/api"
	"github.com/pitabwire/onboarding/internal/openapi"
	"github.com/pitabwire/onboarding/model"
)

// Mode selects how strictly a payload is checked.
type Mode int

const (
	// Draft reports problems but never rejects and ignores missing fields.
	Draft Mode = iota
	// Final rejects on any problem, including missing required fields.
	Final
)

func (m Mode) String() string {
	if m == Final {
		return "final"
	}
	return "draft"
}

// submitOperation is the operation whose request schema defines the payload.
const submitOperation = "submitRegistration"

var (
	emailFields    = []string{"contact_email", "procurement_email", "finance_contact_email"}
	upperFields    = []string{"supplier_classification", "ship_code", "operating_currency"}
	uploadFields   = []string{"business_license_file", "bank_account_file"}
	currencyAlias  = map[string]string{"CNY": "RMB"}
	uploadKeyAlias = map[string]string{"name": "file_name", "type": "mime_type", "filename": "file_name"}
)

// paymentTermCodes are the payment term codes accepted besides a day count.
var paymentTermCodes = []string{
	"CA", "PO", "00", "04", "05", "07", "1A", "1B", "1C", "1D", "1E", "10", "12", "14",
	"15", "16", "18", "21", "3A", "3B", "30", "32", "33", "35", "4A", "40", "45", "5A",
	"52", "55", "6A", "60", "65", "68", "7A", "70", "75", "76", "9A", "90",
}

// Result is a normalized payload and the problems found in it.
type Result struct {
	Profile    model.CompanyProfile
	Normalized json.RawMessage
	Errors     []model.FieldError
}

// Valid reports whether no problems were found.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Validator checks registration payloads.
type Validator struct {
	schema *openapi3.Schema
}

// New builds a validator from the submit operation in idx.
func New(idx *openapi.Index) (*Validator, error) {
	op, ok := idx.GetOperation(submitOperation)
	if !ok || op.RequestSchema() == nil {
		return nil, fmt.Errorf("validation: operation %s has no request schema", submitOperation)
	}
	return &Validator{schema: op.RequestSchema()}, nil
}

// NewDefault builds a validator from the embedded API document.
func NewDefault() (*Validator, error) {
	idx := openapi.NewIndex()
	if err := idx.LoadData(api.OpenAPI); err != nil {
		return nil, err
	}
	return New(idx)
}

// Validate normalizes raw and checks it. In Final mode any problem is
// returned as a VALIDATION_ERROR alongside the result; in Draft mode the
// only error is a payload that is not a JSON object.
func (v *Validator) Validate(raw json.RawMessage, mode Mode) (Result, error) {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return Result{}, model.NewFieldValidationError("payload", "INVALID_PAYLOAD", "Payload must be a JSON object")
	}

	normalized := v.normalize(payload)

	errs := openapi.ValidateValue(v.schema, normalized)
	if terms, ok := normalized["payment_terms"].(string); ok && !validPaymentTerms(terms) {
		errs = append(errs, model.FieldError{
			Field:   "payment_terms",
			Code:    "INVALID_PAYMENT_TERMS",
			Message: "payment terms must be a day count between 0 and 365 or a known term code",
		})
	}
	if mode == Draft {
		errs = slices.DeleteFunc(errs, func(e model.FieldError) bool { return e.Code == "REQUIRED" })
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })

	encoded, err := json.Marshal(normalized)
	if err != nil {
		return Result{}, fmt.Errorf("validation: encode normalized payload: %w", err)
	}
	res := Result{Normalized: encoded, Errors: errs}
	// Type errors leave fields that do not fit the profile; they are
	// already reported.
	_ = json.Unmarshal(encoded, &res.Profile)

	if mode == Final && !res.Valid() {
		return res, model.NewValidationError(errs)
	}
	return res, nil
}

// normalize keeps the documented properties, accepting camelCase keys,
// and trims and canonicalizes their values. Empty values are dropped.
func (v *Validator) normalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		key = snakeCase(key)
		if _, known := v.schema.Properties[key]; !known {
			continue
		}
		if nv, ok := normalizeValue(key, value); ok {
			out[key] = nv
		}
	}
	return out
}

func normalizeValue(key string, value any) (any, bool) {
	switch {
	case slices.Contains(uploadFields, key):
		return normalizeUpload(value)
	case key == "payment_methods":
		return normalizeList(value, false)
	case key == "product_types":
		if _, isList := value.([]any); isList {
			joined, ok := normalizeList(value, true)
			return joined, ok
		}
	}

	s, ok := scalarString(value)
	if !ok {
		// Leave objects and arrays for the schema to reject.
		return value, true
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	switch {
	case slices.Contains(emailFields, key):
		s = strings.ToLower(s)
	case slices.Contains(upperFields, key):
		s = strings.ToUpper(s)
		if alias, ok := currencyAlias[s]; ok && key == "operating_currency" {
			s = alias
		}
	}
	return s, true
}

// normalizeList trims list entries, splitting a comma separated string. With
// join set the entries are returned as one ", " separated string.
func normalizeList(value any, join bool) (any, bool) {
	var parts []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if s, ok := scalarString(item); ok {
				parts = append(parts, s)
			}
		}
	case string:
		parts = strings.Split(v, ",")
	default:
		return value, true
	}

	items := make([]any, 0, len(parts))
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
			strs = append(strs, p)
		}
	}
	if len(items) == 0 {
		return nil, false
	}
	if join {
		return strings.Join(strs, ", "), true
	}
	return items, true
}

// normalizeUpload keeps an upload only when it names a file and has content.
func normalizeUpload(value any) (any, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		k = snakeCase(k)
		if alias, ok := uploadKeyAlias[k]; ok {
			k = alias
		}
		switch k {
		case "file_name", "mime_type", "content":
			if s, ok := val.(string); ok && strings.TrimSpace(s) != "" {
				out[k] = strings.TrimSpace(s)
			}
		case "size":
			if n, ok := positiveSize(val); ok {
				out[k] = n
			}
		}
	}
	if out["file_name"] == nil || out["content"] == nil {
		return nil, false
	}
	return out, true
}

func positiveSize(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, n > 0 && n == float64(int64(n))
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return float64(parsed), err == nil && parsed > 0
	}
	return 0, false
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}

func validPaymentTerms(terms string) bool {
	if slices.ContainsFunc(paymentTermCodes, func(c string) bool { return strings.EqualFold(c, terms) }) {
		return true
	}
	days, err := strconv.ParseFloat(terms, 64)
	return err == nil && days >= 0 && days <= 365
}

// snakeCase converts camelCase keys; snake_case keys pass through.
func snakeCase(key string) string {
	var b strings.Builder
	for i, r := range key {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
