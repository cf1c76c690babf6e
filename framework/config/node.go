package config

import "fmt"

// Node is one directive in a configuration block: a name, its
// arguments, and any nested child directives. Map operates against a
// tree of Nodes; in the original directive-file format, the tree came
// from lexing a text file, but internal/cfg builds Nodes directly from
// an already-TOML-decoded Policy, so Map's validate-at-load-time
// binding runs over the policy file without a second text-format
// parser.
type Node struct {
	Name string
	Args []string

	Children []Node

	File string
	Line int
}

// NodeErr formats an error, prefixing it with node's source location
// when known.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}
