package email

import "testing"

func TestNormalize(t *testing.T) {
	valid := []struct {
		in   string
		want string
	}{
		{"sam@example.com", "sam@example.com"},
		{"sam.rivera+tag@sub.example.com", "sam.rivera+tag@sub.example.com"},
		{"Sam Rivera <sam@example.com>", "sam@example.com"},
		{"<sam@example.com>", "sam@example.com"},
	}
	for _, tt := range valid {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q) = %v, want nil", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	invalid := []string{
		"",
		"not-an-email",
		"@example.com",
		"sam@",
		"sam rivera@example.com",
	}
	for _, addr := range invalid {
		if _, err := Normalize(addr); err == nil {
			t.Errorf("Normalize(%q) = nil error, want error", addr)
		}
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{"simple", "sam@example.com", "example.com"},
		{"with name", "Sam Rivera <sam@example.com>", "example.com"},
		{"uppercase", "sam@EXAMPLE.COM", "example.com"},
		{"subdomain", "sam@mail.example.com", "mail.example.com"},
		{"invalid no at", "invalid", ""},
		{"invalid empty before at", "@example.com", ""},
		{"invalid empty after at", "sam@", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractDomain(tt.email); got != tt.expected {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tt.email, got, tt.expected)
			}
		})
	}
}
