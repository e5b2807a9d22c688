package validation

import (
	"testing"
)

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
		Required("title", "Beekeeping lessons"),
		MinLength("description", "I can teach hive care basics over a weekend.", MinDescriptionLength),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("title", ""),
		MinLength("description", "too short", MinDescriptionLength),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMinLength(t *testing.T) {
	// At limit
	if err := MinLength("title", "12345", 5)(); err != nil {
		t.Error("Expected no error for string at minimum")
	}

	// Under limit after trimming
	if err := MinLength("title", "  1234  ", 5)(); err == nil {
		t.Error("Expected error for padded string under minimum")
	}

	// Under limit
	if err := MinLength("title", "abc", 5)(); err == nil {
		t.Error("Expected error for string under minimum")
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

func TestOneOf(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"offer", true},
		{"need", true},
		{"", true}, // optional; pair with Required when mandatory
		{"trade", false},
		{"OFFER", false},
	}

	for _, tc := range tests {
		err := OneOf("kind", tc.value, "offer", "need")()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("OneOf(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}
