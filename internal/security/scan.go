package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity levels for scan findings, ordered by impact.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one pattern match in one file.
type Finding struct {
	RuleID      string   `json:"ruleId"`
	Severity    Severity `json:"severity"`
	File        string   `json:"file"`
	Line        int      `json:"line,omitempty"`
	Description string   `json:"description"`
}

func (f Finding) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	return fmt.Sprintf("[%s] %s %s: %s", strings.ToUpper(f.Severity.String()), f.RuleID, loc, f.Description)
}

type pattern struct {
	rule        string
	re          *regexp.Regexp
	severity    Severity
	description string
	// manifestOnly limits the pattern to the skill descriptor, which is
	// what ends up in an agent's context.
	manifestOnly bool
}

var patterns = []pattern{
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`rm\s+-rf\s+(?:/|~/|\$HOME)(?:\s|$)`), SeverityCritical, "Destructive file deletion", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`(?:curl|wget)\s+[^|]*\|\s*(?:ba)?sh`), SeverityCritical, "Remote code execution pipe", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`base64\s+(?:-d|--decode)[^|]*\|\s*(?:ba)?sh`), SeverityCritical, "Obfuscated code execution", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`/etc/(?:shadow|passwd)`), SeverityCritical, "Access to system credential files", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`(?:~|\$HOME)/\.ssh/id_`), SeverityCritical, "SSH key access", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`stratum\+tcp://|\bxmrig\b`), SeverityCritical, "Crypto mining indicator", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`curl\s+.*-d\s`), SeverityHigh, "Data exfiltration via curl POST", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`git\s+config\s+--global`), SeverityHigh, "Global git config modification", false},
	{"SCAN_DANGEROUS_PATTERN", regexp.MustCompile(`\bsudo\b`), SeverityMedium, "Sudo usage", false},
	{"SCAN_PROMPT_INJECTION", regexp.MustCompile(`(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above)\s+(?:instructions|context)`), SeverityHigh, "Instruction override attempt", true},
	{"SCAN_PROMPT_INJECTION", regexp.MustCompile(`(?i)(?:do\s+not|don't|never)\s+(?:tell\s+the\s+user|reveal\s+(?:this|these))`), SeverityHigh, "Concealment instruction", true},
	{"SCAN_PROMPT_INJECTION", regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{FEFF}\x{202E}]`), SeverityHigh, "Invisible or direction-override character", true},
}

// Scan matches every pattern against files (relative path to content) and
// reports at most one finding per pattern per file. manifestName selects
// the file that manifest-only patterns apply to.
func Scan(manifestName string, files map[string][]byte) []Finding {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		lines := strings.Split(string(files[name]), "\n")
		for _, p := range patterns {
			if p.manifestOnly && name != manifestName {
				continue
			}
			for i, line := range lines {
				if p.re.MatchString(line) {
					findings = append(findings, Finding{
						RuleID:      p.rule,
						Severity:    p.severity,
						File:        name,
						Line:        i + 1,
						Description: p.description,
					})
					break
				}
			}
		}
	}
	return findings
}

// MaxSeverity returns the highest severity in findings, or -1 when empty.
func MaxSeverity(findings []Finding) Severity {
	max := Severity(-1)
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}
