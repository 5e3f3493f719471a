// Package model describes the object model shared by every stack in a family
// and resolves it, once per locator, through a Registry.
package model

import (
	"fmt"
	"slices"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/validation"
)

// Attribute is one typed property of an entity.
type Attribute struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Entity is a named kind of object.
type Entity struct {
	Name       string      `yaml:"name" json:"name"`
	Attributes []Attribute `yaml:"attributes" json:"attributes"`
}

// Attribute returns the named attribute.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Model is an immutable schema definition. Configurations name subsets of
// entities; a store attached with a configuration only hosts those entities.
type Model struct {
	Name           string              `yaml:"name" json:"name"`
	Version        int                 `yaml:"version" json:"version"`
	Entities       []Entity            `yaml:"entities" json:"entities"`
	Configurations map[string][]string `yaml:"configurations,omitempty" json:"configurations,omitempty"`
}

// Entity returns the named entity.
func (m *Model) Entity(name string) (*Entity, bool) {
	for i := range m.Entities {
		if m.Entities[i].Name == name {
			return &m.Entities[i], true
		}
	}
	return nil, false
}

// EntityNames returns the entity names in declaration order.
func (m *Model) EntityNames() []string {
	names := make([]string, 0, len(m.Entities))
	for _, e := range m.Entities {
		names = append(names, e.Name)
	}
	return names
}

// HasConfiguration reports whether the model declares configuration name.
func (m *Model) HasConfiguration(name string) bool {
	_, ok := m.Configurations[name]
	return ok
}

// Hosts reports whether a store with the given configuration holds entity.
// The empty configuration hosts every entity.
func (m *Model) Hosts(configuration, entity string) bool {
	if configuration == "" {
		_, ok := m.Entity(entity)
		return ok
	}
	return slices.Contains(m.Configurations[configuration], entity)
}

// Validate checks the model definition itself.
func (m *Model) Validate() error {
	var errs validation.ValidationErrors

	if m.Name == "" {
		errs.Add("name", "", "model name is required")
	}
	if m.Version <= 0 {
		errs.Add("version", fmt.Sprint(m.Version), "model version must be positive")
	}
	if len(m.Entities) == 0 {
		errs.Add("entities", "", "model must declare at least one entity")
	}

	seen := make(map[string]bool)
	for i, e := range m.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		errs.AddErr(field+".name", e.Name, validation.ValidateEntityName(e.Name))
		if seen[e.Name] {
			errs.Add(field+".name", e.Name, "duplicate entity")
		}
		seen[e.Name] = true

		attrs := make(map[string]bool)
		for j, a := range e.Attributes {
			afield := fmt.Sprintf("%s.attributes[%d]", field, j)
			errs.AddErr(afield+".name", a.Name, validation.ValidateAttributeName(a.Name))
			errs.AddErr(afield+".type", a.Type, validation.ValidateAttributeType(a.Type))
			if attrs[a.Name] {
				errs.Add(afield+".name", a.Name, "duplicate attribute")
			}
			attrs[a.Name] = true
		}
	}

	for name, entities := range m.Configurations {
		field := "configurations." + name
		errs.AddErr(field, name, validation.ValidateConfigurationName(name))
		for _, entity := range entities {
			if !seen[entity] {
				errs.Add(field, entity, "unknown entity")
			}
		}
	}

	return errs.Err()
}

// ValidateAttributes checks attrs against entity's declaration. When partial
// is false, required attributes must be present and non-nil.
func (m *Model) ValidateAttributes(entity string, attrs map[string]any, partial bool) error {
	e, ok := m.Entity(entity)
	if !ok {
		return fmt.Errorf("%w: unknown entity %q", domain.ErrInvalidInput, entity)
	}

	var errs validation.ValidationErrors
	for name, value := range attrs {
		a, ok := e.Attribute(name)
		if !ok {
			errs.Add(name, fmt.Sprint(value), "unknown attribute for "+entity)
			continue
		}
		errs.AddErr(name, fmt.Sprint(value), validation.ValidateValue(a.Type, value))
	}
	if !partial {
		for _, a := range e.Attributes {
			if a.Required && attrs[a.Name] == nil {
				errs.Add(a.Name, "", "required")
			}
		}
	}
	return errs.Err()
}
