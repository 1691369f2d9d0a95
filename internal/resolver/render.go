package resolver

import "strings"

// Render draws the tree with box-drawing connectors, one node per line.
func Render(t *Tree) string {
	if t == nil || t.Root == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(label(t.Root))
	b.WriteByte('\n')
	renderChildren(&b, t.Root, "")
	return b.String()
}

func renderChildren(b *strings.Builder, n *Node, prefix string) {
	for i, child := range n.Children {
		last := i == len(n.Children)-1
		connector, next := "├── ", "│   "
		if last {
			connector, next = "└── ", "    "
		}
		b.WriteString(prefix)
		b.WriteString(connector)
		b.WriteString(label(child))
		b.WriteByte('\n')
		renderChildren(b, child, prefix+next)
	}
}

func label(n *Node) string {
	if n.IsInstalled {
		return n.ID() + " (installed)"
	}
	return n.ID()
}
