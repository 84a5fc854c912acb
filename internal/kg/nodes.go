package kg

import "strings"

// NodeKind classifies a node identifier string on read. Node ids are kept
// as plain strings in relationships and in the snapshot format rather than
// as a duck-typed identifier; the kind is resolved lazily whenever needed.
type NodeKind int

const (
	// NodeUnknown is returned when the id does not resolve to any node kind
	// currently known to the graph.
	NodeUnknown NodeKind = iota
	// NodeEntity identifies an entity by name.
	NodeEntity
	// NodeClassInstance identifies an "entity:class" node.
	NodeClassInstance
	// NodeClassMaster identifies the derived view over a System class
	// definition.
	NodeClassMaster
)

func (k NodeKind) String() string {
	switch k {
	case NodeEntity:
		return "entity"
	case NodeClassInstance:
		return "class_instance"
	case NodeClassMaster:
		return "class_master"
	default:
		return "unknown"
	}
}

// ClassMasterNode is the virtual node representing a class itself,
// synthesized from the System on demand. It is never cached.
type ClassMasterNode struct {
	Name        string
	Description string
	Properties  []PropertyDefinition
}

// ClassNode is a materialized "entity:class" node.
type ClassNode struct {
	ID          string
	EntityName  string
	ClassName   string
	Description string
}

// splitClassInstanceID splits an "entity:class" id into its parts. ok is
// false if id does not contain the separator.
func splitClassInstanceID(id string) (entityName, className string, ok bool) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 || idx == 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}
