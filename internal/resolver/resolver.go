// Package resolver expands a skill into its transitive dependency tree.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/manifest"
	"skillvault/internal/registry"
	"skillvault/internal/store"
)

// Source looks up one version of a skill; "*" or "" means latest.
type Source interface {
	GetSkill(ctx context.Context, name, version string) (registry.Skill, error)
}

// Node is one occurrence of a skill in the tree. A skill reachable along
// two paths appears as two nodes.
type Node struct {
	Name        string
	Version     string
	ContentID   string
	BundleSize  int64
	Children    []*Node
	Depth       int
	IsInstalled bool
	// Parent is the name of the declaring skill; empty for the root.
	Parent string
}

func (n *Node) ID() string { return n.Name + "@" + n.Version }

// Tree is a resolved dependency tree. FlatList is the pre-order walk:
// parent before children, children in declaration order.
type Tree struct {
	Root           *Node
	FlatList       []*Node
	MaxDepth       int
	TotalCount     int
	InstalledCount int
}

// Unique returns one node per (name, version) in first-seen order.
func (t *Tree) Unique() []*Node {
	seen := make(map[string]struct{}, len(t.FlatList))
	out := make([]*Node, 0, len(t.FlatList))
	for _, n := range t.FlatList {
		if _, ok := seen[n.ID()]; ok {
			continue
		}
		seen[n.ID()] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Dependents maps each skill name to the names of the skills in the tree
// that declare it.
func (t *Tree) Dependents() map[string][]string {
	out := map[string][]string{}
	seen := map[string]struct{}{}
	for _, n := range t.FlatList {
		if n.Parent == "" {
			continue
		}
		key := n.Name + "\x00" + n.Parent
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out[n.Name] = append(out[n.Name], n.Parent)
	}
	return out
}

type Service struct {
	Registry Source
	Logger   *zap.Logger
}

// ParseRef splits "name" or "name@version" and checks both parts.
func ParseRef(ref string) (manifest.DependencyRef, error) {
	dep := manifest.ParseDependency(ref)
	var problems []string
	if !manifest.ValidName(dep.Name) {
		problems = append(problems, fmt.Sprintf("skill name %q is invalid → Solution: use lowercase letters, digits and hyphens (1-64 chars)", dep.Name))
	}
	if dep.Version != manifest.LatestVersion && !manifest.ValidVersion(dep.Version) {
		problems = append(problems, fmt.Sprintf("version %q is invalid → Solution: use name@x.y.z or omit the version", dep.Version))
	}
	if len(problems) > 0 {
		return manifest.DependencyRef{}, apperr.Validation("INS_REF_PARSE", problems)
	}
	return dep, nil
}

// Resolve walks the dependency graph from name@version depth-first. A
// dependency whose resolved (name, version) is already on the current
// path is a cycle; the same name at two versions is a conflict. Both are
// dependency errors. lock marks installed nodes and may be nil.
func (s *Service) Resolve(ctx context.Context, name, version string, lock store.Lockfile) (*Tree, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &walk{src: s.Registry, lock: lock, versions: map[string]string{}, logger: logger}
	root, err := w.visit(ctx, name, version, "")
	if err != nil {
		return nil, err
	}
	t := &Tree{Root: root, FlatList: w.flat, TotalCount: len(w.flat)}
	for _, n := range w.flat {
		if n.Depth > t.MaxDepth {
			t.MaxDepth = n.Depth
		}
		if n.IsInstalled {
			t.InstalledCount++
		}
	}
	logger.Debug("dependencies resolved",
		zap.String("root", root.ID()),
		zap.Int("nodes", t.TotalCount),
		zap.Int("maxDepth", t.MaxDepth))
	return t, nil
}

type frame struct {
	name    string
	version string
}

type walk struct {
	src      Source
	lock     store.Lockfile
	stack    []frame
	flat     []*Node
	versions map[string]string
	logger   *zap.Logger
}

func (w *walk) pathWith(name string) []string {
	out := make([]string, 0, len(w.stack)+1)
	for _, f := range w.stack {
		out = append(out, f.name)
	}
	return append(out, name)
}

func (w *walk) visit(ctx context.Context, name, version, parent string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	skill, err := w.src.GetSkill(ctx, name, version)
	if err != nil {
		if registry.IsNotFound(err) {
			path := w.pathWith(name)
			return nil, apperr.Dependency("DEP_MISSING", path, "%s@%s is not published (required via %s)", name, version, strings.Join(path, " → "))
		}
		return nil, err
	}
	if skill.Name != name {
		return nil, apperr.Registry(apperr.CodeInvalidStructure, "", "asked for %s, registry answered %s", name, skill.Name)
	}

	for _, f := range w.stack {
		if f.name == name && f.version == skill.Version {
			path := w.pathWith(name)
			return nil, apperr.Dependency("DEP_CYCLE", path, "dependency cycle: %s", strings.Join(path, " → "))
		}
	}
	if prev, ok := w.versions[name]; ok && prev != skill.Version {
		path := w.pathWith(name)
		return nil, apperr.Dependency("DEP_VERSION_CONFLICT", path, "%s is required at both %s and %s (via %s)", name, prev, skill.Version, strings.Join(path, " → "))
	}
	w.versions[name] = skill.Version

	node := &Node{
		Name:        skill.Name,
		Version:     skill.Version,
		ContentID:   skill.ContentID,
		BundleSize:  skill.BundleSize,
		Depth:       len(w.stack),
		IsInstalled: w.lock.Installed(skill.Name, skill.Version),
		Parent:      parent,
	}
	w.flat = append(w.flat, node)

	w.stack = append(w.stack, frame{name: skill.Name, version: skill.Version})
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()
	for _, dep := range skill.Dependencies {
		child, err := w.visit(ctx, dep.Name, dep.Version, skill.Name)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}
