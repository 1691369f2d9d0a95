// Package registry is the client for the skill registry process. Reads try
// a stateless fast-path endpoint before falling back to dry-run messages
// against the process itself; writes are signed messages.
package registry

import (
	"encoding/json"
	"fmt"
)

// Registry actions.
const (
	ActionSearch       = "Search-Skills"
	ActionList         = "List-Skills"
	ActionGet          = "Get-Skill"
	ActionVersions     = "Get-Skill-Versions"
	ActionStats        = "Get-Download-Stats"
	ActionInfo         = "Info"
	ActionRegister     = "Register-Skill"
	ActionUpdate       = "Update-Skill"
	actionError        = "Error"
	MaxQueryLength     = 256
	defaultListLimit   = 20
	maxListLimit       = 100
	tagAction          = "Action"
	tagErrorCode       = "Error-Code"
	errorCodeNotFound  = "NOT_FOUND"
	errorCodeUnauth    = "UNAUTHORIZED"
	errorCodeNoFunds   = "INSUFFICIENT_FUNDS"
	errorCodeForbidden = "FORBIDDEN"
)

// Tag is one name/value pair on a registry message.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UnmarshalJSON accepts either {"name","version"} or a bare name, which
// means the latest version.
func (d *Dependency) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*d = Dependency{Name: name, Version: "*"}
		return nil
	}
	type plain Dependency
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Version == "" {
		p.Version = "*"
	}
	*d = Dependency(p)
	return nil
}

// Skill is the registry record of one published version.
type Skill struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description"`
	Author       string       `json:"author"`
	Owner        string       `json:"owner"`
	Tags         []string     `json:"tags"`
	Dependencies []Dependency `json:"dependencies"`
	ContentID    string       `json:"contentId"`
	BundleSize   int64        `json:"bundleSize"`
	License      string       `json:"license,omitempty"`
	PublishedAt  int64        `json:"publishedAt"`
	UpdatedAt    int64        `json:"updatedAt"`
	Downloads    int64        `json:"downloads"`
}

func (s Skill) ID() string { return fmt.Sprintf("%s@%s", s.Name, s.Version) }

type ListOptions struct {
	Limit      int
	Offset     int
	FilterTags []string
	FilterName string
	Featured   bool
}

type ListResult struct {
	Skills []Skill `json:"skills"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// VersionInfo is one entry of a version listing.
type VersionInfo struct {
	Version     string `json:"version"`
	ContentID   string `json:"contentId,omitempty"`
	PublishedAt int64  `json:"publishedAt,omitempty"`
}

func (v *VersionInfo) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = VersionInfo{Version: s}
		return nil
	}
	type plain VersionInfo
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*v = VersionInfo(p)
	return nil
}

type VersionsResult struct {
	Versions []VersionInfo `json:"versions"`
	Latest   string        `json:"latest"`
	Total    int           `json:"total"`
}

// DownloadStats carries either registry-wide totals or one skill's
// counters, depending on the query.
type DownloadStats struct {
	Scope          string           `json:"scope,omitempty"`
	Name           string           `json:"name,omitempty"`
	TotalSkills    int64            `json:"totalSkills,omitempty"`
	TotalDownloads int64            `json:"totalDownloads"`
	Downloads7d    int64            `json:"downloads7Days,omitempty"`
	Downloads30d   int64            `json:"downloads30Days,omitempty"`
	Versions       map[string]int64 `json:"versions,omitempty"`
}

// Info is the registry process's self-description.
type Info struct {
	Name     string   `json:"name"`
	Process  string   `json:"process"`
	Version  string   `json:"version"`
	Owner    string   `json:"owner,omitempty"`
	Handlers []string `json:"handlers"`
}

// WriteResult identifies an accepted registry mutation.
type WriteResult struct {
	MessageID string `json:"messageId"`
}
