package validation

import (
	"testing"
)

func TestIsValidFormID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"contact-form", true},
		{"form_42", true},
		{"wpforms:1871", true},
		{"a", true},

		// Invalid cases
		{"", false},
		{"form 42", false},      // Space
		{"form/42", false},      // Slash
		{"form\x0042", false},   // Null byte
		{"<script>", false},     // Markup
	}

	for _, tc := range tests {
		result := IsValidFormID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidFormID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	tests := []struct {
		s     string
		valid bool
	}{
		{"a3f09b", true},
		{"ABCDEF0123", true},

		// Invalid
		{"", false},
		{"xyz", false},
		{"a3f0 9b", false},
	}

	for _, tc := range tests {
		result := IsValidHex(tc.s)
		if result != tc.valid {
			t.Errorf("IsValidHex(%q) = %v, want %v", tc.s, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("form_id", "contact-form"),
		ValidFormID("form_id", "contact-form"),
		ValidHash("fingerprint_hash", "a3f09b"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("form_id", ""),
		ValidHash("fingerprint_hash", "not hex"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
