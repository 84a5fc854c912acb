package kg

import (
	"strings"
	"time"
)

// ClassInstance records the fact that an Entity carries a class, along with
// the per-class property values assigned to it.
type ClassInstance struct {
	ClassName  string
	Properties map[string]string // property name (as declared) -> value
}

// PropertyValue returns the value of prop on this class instance
// (case-insensitive) and whether it was set.
func (c ClassInstance) PropertyValue(prop string) (string, bool) {
	up := strings.ToUpper(prop)
	for name, val := range c.Properties {
		if strings.ToUpper(name) == up {
			return val, true
		}
	}
	return "", false
}

// Entity is a named thing in the graph, identified by its uppercased Name.
type Entity struct {
	Name        string
	Description string
	Classes     []ClassInstance
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IdentityKey returns the case-insensitive identity of the entity.
func (e Entity) IdentityKey() string { return strings.ToUpper(e.Name) }

// ClassInstanceByName returns the class instance for className
// (case-insensitive) and whether the entity carries it.
func (e Entity) ClassInstanceByName(className string) (ClassInstance, bool) {
	up := strings.ToUpper(className)
	for _, ci := range e.Classes {
		if strings.ToUpper(ci.ClassName) == up {
			return ci, true
		}
	}
	return ClassInstance{}, false
}

// HasClass reports whether the entity carries className (case-insensitive).
func (e Entity) HasClass(className string) bool {
	_, ok := e.ClassInstanceByName(className)
	return ok
}

// ClassInstanceNodeID returns the node id of the class-instance node for
// entityName carrying className: "entityName:className".
func ClassInstanceNodeID(entityName, className string) string {
	return entityName + ":" + className
}
