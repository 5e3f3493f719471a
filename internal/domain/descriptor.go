package domain

import (
	"fmt"
	"maps"
)

// Store types understood by the default backends.
const (
	StoreTypeMemory   = "memory"
	StoreTypeSQLite   = "sqlite3"
	StoreTypePostgres = "postgres"
)

// Descriptor options understood by the coordinator.
const (
	OptionDeleteOnCleanup = "delete_on_cleanup"
)

// StoreDescriptor is supplied by the application to describe one backing
// store. Only Type is required; the remaining methods may return zero values.
type StoreDescriptor interface {
	Type() string
	URL() string
	Configuration() string
	Options() map[string]any
}

// Descriptor is the value form of a StoreDescriptor.
type Descriptor struct {
	Kind     string         `json:"type"`
	Location string         `json:"url,omitempty"`
	Config   string         `json:"configuration,omitempty"`
	Opts     map[string]any `json:"options,omitempty"`
}

var _ StoreDescriptor = Descriptor{}

func (d Descriptor) Type() string            { return d.Kind }
func (d Descriptor) URL() string             { return d.Location }
func (d Descriptor) Configuration() string   { return d.Config }
func (d Descriptor) Options() map[string]any { return d.Opts }

// String renders the descriptor for error messages.
func (d Descriptor) String() string {
	s := d.Kind
	if d.Location != "" {
		s += ":" + d.Location
	}
	if d.Config != "" {
		s += "#" + d.Config
	}
	return s
}

// Key identifies descriptors that would attach the same physical store.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s|%s|%s", d.Kind, d.Location, d.Config)
}

// Bool returns the boolean option name, false when absent or not a bool.
func (d Descriptor) Bool(name string) bool {
	v, ok := d.Opts[name].(bool)
	return ok && v
}

// DescriptorOf snapshots any StoreDescriptor into an immutable Descriptor.
func DescriptorOf(sd StoreDescriptor) Descriptor {
	if d, ok := sd.(Descriptor); ok {
		d.Opts = maps.Clone(d.Opts)
		return d
	}
	return Descriptor{
		Kind:     sd.Type(),
		Location: sd.URL(),
		Config:   sd.Configuration(),
		Opts:     maps.Clone(sd.Options()),
	}
}
