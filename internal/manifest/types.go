package manifest

// FileName is the descriptor file every skill directory carries.
const FileName = "SKILL.md"

// LatestVersion marks a dependency edge that resolves to the newest
// published version.
const LatestVersion = "*"

type DependencyRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (d DependencyRef) String() string {
	if d.Version == "" || d.Version == LatestVersion {
		return d.Name
	}
	return d.Name + "@" + d.Version
}

// SkillManifest is the parsed frontmatter of a skill descriptor.
type SkillManifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	Author       string          `json:"author"`
	Tags         []string        `json:"tags,omitempty"`
	Dependencies []DependencyRef `json:"dependencies"`
	License      string          `json:"license,omitempty"`

	// Body is the documentation following the frontmatter block.
	Body string `json:"-"`
	// Unexpected lists top-level frontmatter keys outside the schema, in
	// declaration order.
	Unexpected []string `json:"-"`
}

// ID returns "name@version".
func (m SkillManifest) ID() string {
	return m.Name + "@" + m.Version
}
