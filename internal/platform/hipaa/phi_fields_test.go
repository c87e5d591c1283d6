package hipaa

import "testing"

func TestNormalizeFieldName(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantType FieldType
	}{
		{"ssn", "ssn", FieldPlaintext},
		{"firstName", "first_name", FieldPlaintext},
		{"SSN", "ssn", FieldPlaintext},
		{"ssn_encrypted", "ssn", FieldEncrypted},
		{"phoneCiphertext", "phone", FieldEncrypted},
		{"email_hash", "email", FieldHashed},
		{"dob-digest", "dob", FieldHashed},
		{"_hash", "_hash", FieldPlaintext},
		{"addressLine1", "address_line1", FieldPlaintext},
	}
	for _, tt := range tests {
		name, typ := normalizeFieldName(tt.in)
		if name != tt.wantName || typ != tt.wantType {
			t.Errorf("normalizeFieldName(%q) = (%q, %q), want (%q, %q)", tt.in, name, typ, tt.wantName, tt.wantType)
		}
	}
}

func TestDefaultPHIFieldRules_Categories(t *testing.T) {
	rules := DefaultPHIFieldRules()
	tests := map[string]PHICategory{
		"ssn":                CategoryIdentifier,
		"name":               CategoryIdentifier,
		"contact":            CategoryContact,
		"contact_info":       CategoryContact,
		"telecom":            CategoryContact,
		"labs":               CategoryClinical,
		"lab_value":          CategoryClinical,
		"date_of_birth":      CategoryIdentifier,
		"last_name":          CategoryIdentifier,
		"phone_number":       CategoryContact,
		"email":              CategoryContact,
		"address_line1":      CategoryContact,
		"diagnosis":          CategoryClinical,
		"medications":        CategoryClinical,
		"clinical_notes":     CategoryClinical,
		"credit_card_number": CategoryFinancial,
		"routing_number":     CategoryFinancial,
	}
	for name, want := range tests {
		var got PHICategory
		for _, r := range rules {
			if r.Pattern.MatchString(name) {
				got = r.Category
				break
			}
		}
		if got != want {
			t.Errorf("%s: got category %q, want %q", name, got, want)
		}
	}

	for _, name := range []string{"id", "status", "created_at", "appointment_type", "patient_id"} {
		for _, r := range rules {
			if r.Pattern.MatchString(name) {
				t.Errorf("%s should not match any PHI rule (matched %s)", name, r.Category)
			}
		}
	}
}
