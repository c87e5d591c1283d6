package hipaa

import (
	"regexp"
	"strings"
	"unicode"
)

// PHIRuleSetVersion identifies the field rule table below. It is stamped on
// every audit entry so a report can tell which rules classified it.
const PHIRuleSetVersion = "2025.3"

// PHICategory groups PHI field rules.
type PHICategory string

const (
	CategoryIdentifier PHICategory = "identifier"
	CategoryContact    PHICategory = "contact"
	CategoryClinical   PHICategory = "clinical"
	CategoryFinancial  PHICategory = "financial"
)

// PHIFieldRule maps a normalized field-name pattern to a PHI category.
// Patterns are matched against snake_case names with storage suffixes
// (_encrypted, _ciphertext, _hash, _digest) removed.
type PHIFieldRule struct {
	Pattern  *regexp.Regexp
	Category PHICategory
}

// DefaultPHIFieldRules returns the built-in rule table, covering the HIPAA
// Safe Harbor identifiers plus clinical and payment content.
func DefaultPHIFieldRules() []PHIFieldRule {
	return []PHIFieldRule{
		{
			Pattern: regexp.MustCompile(`^(ssn|social_security(_number)?|mrn|medical_record_number|date_of_birth|dob|birth_?date|` +
				`name|first_name|last_name|full_name|middle_name|given_name|family_name|patient_name|` +
				`drivers?_license(_number)?|passport(_number)?|insurance_id|member_id|device_serial)$`),
			Category: CategoryIdentifier,
		},
		{
			Pattern: regexp.MustCompile(`^(phone(_number)?|mobile(_phone)?|home_phone|work_phone|fax|email(_address)?|` +
				`address(_line_?\d*)?|street(_address)?|city|zip(_code)?|postal_code|emergency_contact|contact(_info|_details)?|telecom)$`),
			Category: CategoryContact,
		},
		{
			Pattern: regexp.MustCompile(`^(diagnos(is|es)|icd_?10_codes?|conditions?|medications?|prescriptions?|` +
				`allerg(y|ies)|labs?|lab_[a-z0-9_]+|vitals|notes?|clinical_notes?|treatments?|procedures?|` +
				`symptoms?|chief_complaint|assessment|history_of_present_illness)$`),
			Category: CategoryClinical,
		},
		{
			Pattern: regexp.MustCompile(`^(credit_card(_number)?|card_number|bank_account(_number)?|account_number|` +
				`routing_number|claim_number|policy_number|billing_amount)$`),
			Category: CategoryFinancial,
		},
	}
}

var storageSuffixes = []struct {
	suffix string
	typ    FieldType
}{
	{"_encrypted", FieldEncrypted},
	{"_ciphertext", FieldEncrypted},
	{"_hash", FieldHashed},
	{"_digest", FieldHashed},
}

// encryptedValuePrefix marks values that were encrypted before reaching the API.
const encryptedValuePrefix = "enc:"

// normalizeFieldName converts camelCase to snake_case, lower-cases, and strips
// a storage suffix, returning the storage type the suffix implies.
func normalizeFieldName(name string) (string, FieldType) {
	var b strings.Builder
	var prev rune
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case r == '-':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	n := b.String()
	for _, s := range storageSuffixes {
		if strings.HasSuffix(n, s.suffix) && len(n) > len(s.suffix) {
			return strings.TrimSuffix(n, s.suffix), s.typ
		}
	}
	return n, FieldPlaintext
}
