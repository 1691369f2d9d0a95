package manifest

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"skillvault/internal/apperr"
)

// MaxDescriptionLength bounds the description field, in characters.
const MaxDescriptionLength = 1024

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Result is the outcome of Validate. Errors is nil when Valid is true.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidName reports whether name is an acceptable skill name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ValidVersion reports whether v is an exact x.y.z version.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// Validate checks every rule and reports all violations at once. A
// missing required field yields exactly one error naming that field.
func Validate(m SkillManifest) Result {
	var errs []string
	add := func(problem, fix string) {
		errs = append(errs, fmt.Sprintf("%s → Solution: %s", problem, fix))
	}

	required := []struct {
		field string
		value string
		hint  string
	}{
		{"name", m.Name, "my-skill"},
		{"version", m.Version, "1.0.0"},
		{"description", m.Description, "What this skill does"},
		{"author", m.Author, "your-name"},
	}
	for _, r := range required {
		if r.value == "" {
			add(fmt.Sprintf("Missing required field %q", r.field), fmt.Sprintf("add `%s: %s` to the frontmatter", r.field, r.hint))
		}
	}

	if m.Name != "" && !ValidName(m.Name) {
		add(fmt.Sprintf("Invalid name %q: must be 1-64 lowercase letters, digits or hyphens", m.Name),
			"rename the skill, e.g. `my-skill`")
	}
	if m.Version != "" && !ValidVersion(m.Version) {
		add(fmt.Sprintf("Invalid version %q: must be semantic x.y.z", m.Version),
			"use a version such as `1.0.0`")
	}
	if n := utf8.RuneCountInString(m.Description); n > MaxDescriptionLength {
		add(fmt.Sprintf("Description is %d characters, the limit is %d", n, MaxDescriptionLength),
			"shorten the description and move details into the body")
	}
	for i, dep := range m.Dependencies {
		if !ValidName(dep.Name) {
			add(fmt.Sprintf("Invalid dependency name %q at position %d", dep.Name, i+1),
				"reference dependencies by their published lowercase name")
			continue
		}
		if dep.Version != "" && dep.Version != LatestVersion && !ValidVersion(dep.Version) {
			add(fmt.Sprintf("Invalid version %q for dependency %q", dep.Version, dep.Name),
				"pin an exact x.y.z version or omit it to use the latest")
		}
	}
	for _, key := range m.Unexpected {
		add(fmt.Sprintf("Unexpected field %q", key),
			"remove it; allowed fields are name, version, description, author, tags, dependencies, license")
	}

	if len(errs) == 0 {
		return Result{Valid: true}
	}
	return Result{Valid: false, Errors: errs}
}

// Check returns a validation error listing every problem, or nil.
func Check(m SkillManifest) error {
	res := Validate(m)
	if res.Valid {
		return nil
	}
	return apperr.Validation("MAN_INVALID", res.Errors)
}
