package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Constructor binds a driver to one raw webhook payload.
type Constructor func(payload []byte) Driver

type registration struct {
	name        string
	constructor Constructor
}

// Registry holds the enabled drivers in registration order.
type Registry struct {
	drivers []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named driver constructor. Names are unique.
func (r *Registry) Register(name string, constructor Constructor) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("driver name is required")
	}
	if constructor == nil {
		return fmt.Errorf("driver %s: constructor is required", name)
	}
	for _, existing := range r.drivers {
		if strings.EqualFold(existing.name, name) {
			return fmt.Errorf("driver %s is already registered", name)
		}
	}

	r.drivers = append(r.drivers, registration{name: name, constructor: constructor})
	return nil
}

// Load returns the first registered driver that recognizes payload.
func (r *Registry) Load(payload []byte) (Driver, bool) {
	for _, registered := range r.drivers {
		candidate := registered.constructor(payload)
		if candidate != nil && candidate.MatchesRequest() {
			return candidate, true
		}
	}

	return nil, false
}

// All constructs every registered driver for payload, in registration order.
func (r *Registry) All(payload []byte) []Driver {
	drivers := make([]Driver, 0, len(r.drivers))
	for _, registered := range r.drivers {
		if candidate := registered.constructor(payload); candidate != nil {
			drivers = append(drivers, candidate)
		}
	}

	return drivers
}

// Build constructs the named driver regardless of whether payload matches.
func (r *Registry) Build(name string, payload []byte) (Driver, error) {
	for _, registered := range r.drivers {
		if strings.EqualFold(registered.name, strings.TrimSpace(name)) {
			return registered.constructor(payload), nil
		}
	}

	return nil, fmt.Errorf("unknown driver: %s", name)
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for _, registered := range r.drivers {
		names = append(names, registered.name)
	}

	return names
}

func (r *Registry) Len() int {
	return len(r.drivers)
}
