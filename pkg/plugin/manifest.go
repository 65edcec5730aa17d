package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cgast/autonomy/internal/sandbox"
)

// HookNames is the closed set of boundaries a plugin may register a
// handler against.
var HookNames = map[string]bool{
	"beforeCycle": true,
	"afterCycle":  true,
	"beforeTask":  true,
	"afterTask":   true,
	"onTrigger":   true,
	"onError":     true,
}

// Manifest is the declarative description of a plugin, read from
// <pluginDir>/plugin.json.
type Manifest struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description,omitempty"`
	Author        string         `json:"author,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Main          string         `json:"main,omitempty"`
	Hooks         map[string]string `json:"hooks,omitempty"`         // hookName -> handler-ref
	HooksPriority map[string]int    `json:"hooksPriority,omitempty"` // hookName -> priority
	Config        map[string]any    `json:"config,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxIDLength = 100

// ValidationError is a single validation failure against a field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult accumulates every validation failure found in a
// manifest, rather than stopping at the first one.
type ValidationResult struct {
	Errors []ValidationError
}

// Valid reports whether no validation errors were recorded.
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

// AsError returns an error wrapping ErrValidation when the result is
// invalid, or nil otherwise.
func (r ValidationResult) AsError() error {
	if r.Valid() {
		return nil
	}
	return r
}

func (r ValidationResult) Unwrap() error { return ErrValidation }

// ValidateManifest checks id/name/version/main/hooks against the rules in
// the plugin manifest contract, accumulating every failure found.
func ValidateManifest(m Manifest) ValidationResult {
	var result ValidationResult

	if m.ID == "" {
		result.Errors = append(result.Errors, ValidationError{"id", "required"})
	} else {
		if len(m.ID) > maxIDLength {
			result.Errors = append(result.Errors, ValidationError{"id", fmt.Sprintf("exceeds %d characters", maxIDLength)})
		}
		if !idPattern.MatchString(m.ID) {
			result.Errors = append(result.Errors, ValidationError{"id", fmt.Sprintf("must match %s", idPattern.String())})
		}
	}

	if m.Name == "" {
		result.Errors = append(result.Errors, ValidationError{"name", "required"})
	}

	if m.Version == "" {
		result.Errors = append(result.Errors, ValidationError{"version", "required"})
	}

	if m.Main != "" {
		if err := sandbox.ValidateSafeRelativePath(m.Main); err != nil {
			result.Errors = append(result.Errors, ValidationError{"main", err.Error()})
		}
	}

	for hookName := range m.Hooks {
		if !HookNames[hookName] {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "hooks." + hookName,
				Message: fmt.Sprintf("unknown hook name %q", hookName),
			})
		}
	}

	if len(m.Hooks) > 0 && m.Main == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "hooks",
			Message: "declared hooks require a main entry point to resolve handlers against",
		})
	}

	return result
}

// LoadManifest reads and validates plugin.json from dir.
func LoadManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, "plugin.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("plugin: read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("plugin: parse manifest %s: %w", path, err)
	}

	if vr := ValidateManifest(m); !vr.Valid() {
		return Manifest{}, fmt.Errorf("plugin: %s: %w", path, vr)
	}

	return m, nil
}

// Discover enumerates direct subdirectories of root, reading and
// validating each one's plugin.json. A subdirectory without a plugin.json
// is skipped rather than treated as an error, so the plugins directory may
// hold unrelated scratch directories.
func Discover(root string) ([]Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: list %s: %w", root, err)
	}

	var manifests []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "plugin.json")); err != nil {
			continue
		}
		m, err := LoadManifest(dir)
		if err != nil {
			return nil, err
		}
		if m.ID != e.Name() {
			return nil, fmt.Errorf("plugin: manifest id %q does not match directory name %q", m.ID, e.Name())
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
