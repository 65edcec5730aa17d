package sandbox

import "testing"

func TestValidateSafeRelativePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"a/b.json", false},
		{"main.go", false},
		{"a", false},
		{"../a", true},
		{"/a/b", true},
		{"a\x00b", true},
		{"a/../b", true},
		{"", true},
		{"a$b", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := ValidateSafeRelativePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSafeRelativePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
