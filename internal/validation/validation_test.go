package validation

import (
	"testing"
)

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"USD", true},
		{"EUR", true},
		{"NGN", true},

		// Invalid cases
		{"usd", false},
		{"US", false},
		{"USDX", false},
		{"U$D", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		valid bool
	}{
		{"buyer@example.com", true},
		{"a.b+c@sub.domain.co", true},

		// Invalid
		{"buyer@example", false},
		{"@example.com", false},
		{"buyer example@x.com", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidEmail(tc.email)
		if result != tc.valid {
			t.Errorf("IsValidEmail(%q) = %v, want %v", tc.email, result, tc.valid)
		}
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"esc_0123456789abcdef01234567", true},
		{"wal_abcdefabcdefabcdefabcdef", true},

		// Invalid
		{"esc-0123456789abcdef01234567", false},
		{"esc_0123456789ABCDEF01234567", false},
		{"escrow_0123456789abcdef01234567", false},
		{"esc_0123", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
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

func TestNormalizeCurrency(t *testing.T) {
	if got := NormalizeCurrency(" usd "); got != "USD" {
		t.Errorf("NormalizeCurrency(\" usd \") = %q, want USD", got)
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "John"),
		ValidCurrency("currency", "USD"),
		PositiveCents("amount_cents", 10000),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidCurrency("currency", "dollars"),
		PositiveCents("amount_cents", 0),
	)
	if len(errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errors))
	}
}

func TestPositiveCents(t *testing.T) {
	tests := []struct {
		value int64
		valid bool
	}{
		{1, true},
		{10000, true},

		// Invalid
		{0, false},
		{-100, false},
	}

	for _, tc := range tests {
		err := PositiveCents("amount_cents", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("PositiveCents(%d) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestNonNegativeCents(t *testing.T) {
	if err := NonNegativeCents("fee_cents", 0)(); err != nil {
		t.Error("Expected no error for zero")
	}
	if err := NonNegativeCents("fee_cents", -1)(); err == nil {
		t.Error("Expected error for negative value")
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
