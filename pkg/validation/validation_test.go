package validation

import "testing"

type toolArgs struct {
	Item    string `validate:"required,max=10"`
	Context string `validate:"max=20"`
}

func TestStruct(t *testing.T) {
	if err := Struct(toolArgs{Item: "sneakers"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := Struct(toolArgs{}); err == nil {
		t.Fatalf("expected error for missing item")
	}
	if err := Struct(toolArgs{Item: "a very long item name"}); err == nil {
		t.Fatalf("expected error for long item")
	}
}

func TestValidateE164(t *testing.T) {
	if err := ValidateE164("+15551234567"); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	for _, bad := range []string{"", "5551234567", "+0123", "call me"} {
		if err := ValidateE164(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
