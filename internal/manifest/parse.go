package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"skillvault/internal/apperr"
)

// maxFrontmatterSize limits frontmatter to keep YAML parsing bounded.
const maxFrontmatterSize = 64 * 1024

var knownKeys = map[string]struct{}{
	"name":         {},
	"version":      {},
	"description":  {},
	"author":       {},
	"tags":         {},
	"dependencies": {},
	"license":      {},
}

// Parse reads a descriptor file. A missing or unreadable file is a
// filesystem error; anything that is not a frontmatter block of key/value
// data is a parse error. Parse does not validate field values.
func Parse(path string) (SkillManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SkillManifest{}, apperr.FileSystem("FS_MANIFEST_READ", path, err)
	}
	return ParseBytes(data)
}

// ParseDir parses the descriptor inside a skill directory.
func ParseDir(dir string) (SkillManifest, error) {
	return Parse(filepath.Join(dir, FileName))
}

func ParseBytes(data []byte) (SkillManifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return SkillManifest{}, apperr.Parse("MAN_PARSE_EMPTY", "descriptor is empty")
	}
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return SkillManifest{}, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(header, &doc); err != nil {
		return SkillManifest{}, apperr.Parse("MAN_PARSE_YAML", "frontmatter is not well-formed: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return SkillManifest{}, apperr.Parse("MAN_PARSE_YAML", "frontmatter must be a key/value mapping")
	}

	m := SkillManifest{Body: body, Dependencies: []DependencyRef{}}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val := root.Content[i+1]
		if _, ok := knownKeys[key]; !ok {
			m.Unexpected = append(m.Unexpected, key)
			continue
		}
		if err := assign(&m, key, val); err != nil {
			return SkillManifest{}, err
		}
	}
	return m, nil
}

// splitFrontmatter returns the header between the leading "---" fence and
// the closing fence, plus the remaining body.
func splitFrontmatter(data []byte) ([]byte, string, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	content = strings.TrimLeft(content, "\uFEFF \t\n")
	if !strings.HasPrefix(content, "---\n") {
		return nil, "", apperr.Parse("MAN_PARSE_FRONTMATTER", "descriptor must start with a frontmatter block (---)")
	}
	rest := content[len("---\n"):]
	end := -1
	if strings.HasPrefix(rest, "---\n") || rest == "---" {
		end = 0
	} else {
		for off := 0; ; {
			i := strings.Index(rest[off:], "\n---")
			if i < 0 {
				break
			}
			at := off + i
			after := rest[at+len("\n---"):]
			if after == "" || strings.HasPrefix(after, "\n") {
				end = at + 1
				break
			}
			off = at + 1
		}
	}
	if end < 0 {
		return nil, "", apperr.Parse("MAN_PARSE_FRONTMATTER", "frontmatter missing closing delimiter (---)")
	}
	header := rest[:end]
	if len(header) > maxFrontmatterSize {
		return nil, "", apperr.Parse("MAN_PARSE_FRONTMATTER", "frontmatter exceeds maximum size of %d bytes", maxFrontmatterSize)
	}
	body := strings.TrimPrefix(rest[end:], "---")
	body = strings.TrimPrefix(body, "\n")
	return []byte(header), body, nil
}

func assign(m *SkillManifest, key string, val *yaml.Node) error {
	switch key {
	case "tags":
		tags, err := decodeTags(val)
		if err != nil {
			return err
		}
		m.Tags = tags
		return nil
	case "dependencies":
		deps, err := decodeDependencies(val)
		if err != nil {
			return err
		}
		m.Dependencies = deps
		return nil
	}
	s, err := scalar(key, val)
	if err != nil {
		return err
	}
	switch key {
	case "name":
		m.Name = s
	case "version":
		m.Version = s
	case "description":
		m.Description = s
	case "author":
		m.Author = s
	case "license":
		m.License = s
	}
	return nil
}

func scalar(key string, val *yaml.Node) (string, error) {
	if isNull(val) {
		return "", nil
	}
	if val.Kind != yaml.ScalarNode {
		return "", apperr.Parse("MAN_PARSE_FIELD", "field %q must be a single value", key)
	}
	return strings.TrimSpace(val.Value), nil
}

func isNull(val *yaml.Node) bool {
	return val.Kind == yaml.ScalarNode && val.ShortTag() == "!!null"
}

func decodeTags(val *yaml.Node) ([]string, error) {
	if isNull(val) {
		return nil, nil
	}
	var raw []string
	switch val.Kind {
	case yaml.ScalarNode:
		raw = strings.Split(val.Value, ",")
	case yaml.SequenceNode:
		if err := val.Decode(&raw); err != nil {
			return nil, apperr.Parse("MAN_PARSE_FIELD", "tags: %v", err)
		}
	default:
		return nil, apperr.Parse("MAN_PARSE_FIELD", "tags must be a list of strings")
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

// decodeDependencies accepts a list of "name", "name@version" strings or
// a list of {name, version} mappings.
func decodeDependencies(val *yaml.Node) ([]DependencyRef, error) {
	out := []DependencyRef{}
	if isNull(val) {
		return out, nil
	}
	if val.Kind != yaml.SequenceNode {
		return nil, apperr.Parse("MAN_PARSE_FIELD", "dependencies must be a list")
	}
	for _, item := range val.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, ParseDependency(item.Value))
		case yaml.MappingNode:
			var ref DependencyRef
			if err := item.Decode(&ref); err != nil {
				return nil, apperr.Parse("MAN_PARSE_FIELD", "dependencies: %v", err)
			}
			ref.Name = strings.TrimSpace(ref.Name)
			ref.Version = normalizeVersion(ref.Version)
			out = append(out, ref)
		default:
			return nil, apperr.Parse("MAN_PARSE_FIELD", "dependencies entries must be strings or {name, version} pairs")
		}
	}
	return out, nil
}

// ParseDependency splits "name" or "name@version". A bare name resolves
// to the latest version.
func ParseDependency(raw string) DependencyRef {
	raw = strings.TrimSpace(raw)
	name, version, _ := strings.Cut(raw, "@")
	return DependencyRef{Name: strings.TrimSpace(name), Version: normalizeVersion(version)}
}

func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "latest") {
		return LatestVersion
	}
	return v
}

// IsParseError reports whether err came from reading the descriptor
// rather than from validating its values.
func IsParseError(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && strings.HasPrefix(e.Code, "MAN_PARSE")
}

// Render produces descriptor text that parses back to m.
func Render(m SkillManifest) ([]byte, error) {
	type header struct {
		Name         string          `yaml:"name"`
		Version      string          `yaml:"version"`
		Description  string          `yaml:"description"`
		Author       string          `yaml:"author"`
		Tags         []string        `yaml:"tags,omitempty"`
		Dependencies []DependencyRef `yaml:"dependencies,omitempty"`
		License      string          `yaml:"license,omitempty"`
	}
	blob, err := yaml.Marshal(header{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Author:       m.Author,
		Tags:         m.Tags,
		Dependencies: m.Dependencies,
		License:      m.License,
	})
	if err != nil {
		return nil, fmt.Errorf("MAN_RENDER: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(blob)
	b.WriteString("---\n")
	b.WriteString(m.Body)
	return b.Bytes(), nil
}
