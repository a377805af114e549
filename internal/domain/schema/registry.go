// Package schema holds the record type registry: fields, primary-key shape
// and associations of every synchronized type. Models are registered
// explicitly or loaded from a YAML descriptor; nothing is discovered at
// runtime.
package schema

import (
	"fmt"

	"datasync/internal/domain/record"
)

// Dependent is a model that declares a belongs_to association pointing at
// another model.
type Dependent struct {
	Model       *Model
	Association Association
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	models map[string]*Model
	order  []string
}

// NewRegistry validates and registers models in the given order.
func NewRegistry(models ...*Model) (*Registry, error) {
	r := &Registry{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if m == nil || m.Name == "" {
			return nil, fmt.Errorf("%w: model without name", ErrInvalidModel)
		}
		if _, dup := r.models[m.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate model %q", ErrInvalidModel, m.Name)
		}
		if len(m.PrimaryKey) == 0 {
			return nil, fmt.Errorf("%w: %s has no primary key", ErrInvalidModel, m.Name)
		}
		r.models[m.Name] = m
		r.order = append(r.order, m.Name)
	}

	for _, name := range r.order {
		m := r.models[name]
		for _, a := range m.Associations {
			target, ok := r.models[a.Target]
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s targets unknown model %q", ErrInvalidModel, m.Name, a.Name, a.Target)
			}
			if a.Kind == BelongsTo && len(a.TargetNames) != len(target.PrimaryKey) {
				return nil, fmt.Errorf("%w: %s.%s needs %d foreign key fields", ErrInvalidModel, m.Name, a.Name, len(target.PrimaryKey))
			}
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry for static registration tables.
func MustRegistry(models ...*Model) *Registry {
	r, err := NewRegistry(models...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Model(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return m, nil
}

// Models returns the models in registration order.
func (r *Registry) Models() []*Model {
	out := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// KeyOf resolves the model of rec and builds its primary key.
func (r *Registry) KeyOf(rec record.Record) (record.Key, error) {
	m, err := r.Model(rec.TypeName)
	if err != nil {
		return "", err
	}
	return m.KeyOf(rec)
}

// Dependents returns the models whose belongs_to associations target typeName.
func (r *Registry) Dependents(typeName string) []Dependent {
	var out []Dependent
	for _, name := range r.order {
		m := r.models[name]
		for _, a := range m.BelongsTo() {
			if a.Target == typeName {
				out = append(out, Dependent{Model: m, Association: a})
			}
		}
	}
	return out
}

// SyncOrder returns models with owners ahead of the models that belong to
// them. Models caught in an ownership cycle keep their registration order.
func (r *Registry) SyncOrder() []*Model {
	visited := make(map[string]bool, len(r.order))
	onStack := make(map[string]bool)
	out := make([]*Model, 0, len(r.order))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] || onStack[name] {
			return
		}
		onStack[name] = true
		m := r.models[name]
		for _, a := range m.BelongsTo() {
			if a.Target != name {
				visit(a.Target)
			}
		}
		onStack[name] = false
		visited[name] = true
		out = append(out, m)
	}

	for _, name := range r.order {
		visit(name)
	}
	return out
}
