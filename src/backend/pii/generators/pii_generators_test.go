package generators

import (
	"testing"
)

func TestTemplates(t *testing.T) {
	tests := []struct {
		name string
		gen  Template
		want string
	}{
		{"name", NameGenerator, "Name_ABC123"},
		{"email", EmailGenerator, "Email_ABC123@example.com"},
		{"phone", PhoneGenerator, "Phone_ABC123"},
		{"date", DateGenerator, "Date_ABC123"},
		{"credit card", CreditCardGenerator, "CC_ABC123"},
		{"address", AddressGenerator, "Address_ABC123"},
		{"generic", GenericGenerator, "PII_ABC123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.gen("ABC123"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPseudonymPattern(t *testing.T) {
	matches := PseudonymPattern.FindAllString("Hi Name_ABC123, mail Email_0F0F0F@example.com or call Phone_123456.", -1)
	want := []string{"Name_ABC123", "Email_0F0F0F@example.com", "Phone_123456"}
	if len(matches) != len(want) {
		t.Fatalf("Expected %d matches, got %v", len(want), matches)
	}
	for i := range want {
		if matches[i] != want[i] {
			t.Errorf("match %d: got %q, want %q", i, matches[i], want[i])
		}
	}

	for _, s := range []string{"Name_abc123", "Name_ABC12", "Names_ABC123x", "PII_ABCDEFG"} {
		if PseudonymPattern.MatchString(s) {
			t.Errorf("Did not expect %q to match", s)
		}
	}
}

func TestMaxPseudonymLen(t *testing.T) {
	if MaxPseudonymLen != len("Email_XXXXXX@example.com") {
		t.Errorf("unexpected MaxPseudonymLen %d", MaxPseudonymLen)
	}
}
