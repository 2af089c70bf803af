package docstore

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "users", false},
		{"single char", "a", false},
		{"mixed case", "UserProfiles", false},
		{"hyphen", "user-profiles", false},
		{"underscore", "user_profiles", false},
		{"digits", "v2", false},
		{"empty", "", true},
		{"leading hyphen", "-users", true},
		{"trailing underscore", "users_", true},
		{"slash", "a/b", true},
		{"dot", "a.b", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", tt.input, err)
			}
		})
	}
}

func TestValidateName_MaxLength(t *testing.T) {
	if err := ValidateName(strings.Repeat("a", MaxNameLength)); err != nil {
		t.Errorf("expected name of max length to be valid, got %v", err)
	}
}
