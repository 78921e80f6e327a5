package models

import (
	"fmt"
	"strings"
)

type Module string

type Role string

const (
	ModuleNPTEL Module = "nptel"

	RoleStudent     Role = "student"
	RoleMentor      Role = "mentor"
	RoleCoordinator Role = "coordinator"
)

type Capability struct {
	Module Module
	Role   Role
}

func (c Capability) String() string {
	return fmt.Sprintf("%s:%s", c.Module, c.Role)
}

// ParseCapability reads the "module:role" form.
func ParseCapability(s string) (Capability, error) {
	module, role, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || module == "" || role == "" {
		return Capability{}, fmt.Errorf("invalid capability %q", s)
	}
	return Capability{Module: Module(module), Role: Role(role)}, nil
}

// Actor is an authenticated caller with the set of capabilities it holds.
type Actor struct {
	ID           string
	Capabilities map[Capability]struct{}
}

func NewActor(id string, caps ...Capability) *Actor {
	a := &Actor{ID: id, Capabilities: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		a.Capabilities[c] = struct{}{}
	}
	return a
}

// ParseCapabilities reads a comma separated capability list, skipping blanks.
func ParseCapabilities(s string) ([]Capability, error) {
	var caps []Capability
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCapability(part)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

func (a *Actor) Has(c Capability) bool {
	if a == nil {
		return false
	}
	_, ok := a.Capabilities[c]
	return ok
}

// HasAny reports whether the actor holds at least one of caps.
func (a *Actor) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if a.Has(c) {
			return true
		}
	}
	return false
}

var (
	NPTELStudent     = Capability{Module: ModuleNPTEL, Role: RoleStudent}
	NPTELMentor      = Capability{Module: ModuleNPTEL, Role: RoleMentor}
	NPTELCoordinator = Capability{Module: ModuleNPTEL, Role: RoleCoordinator}
)
