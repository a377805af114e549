package datastore

import (
	"context"
	"fmt"

	"datasync/internal/domain/predicate"
	"datasync/internal/domain/record"
	"datasync/internal/domain/schema"
)

// CascadeResolver finds the local records that belong to a record being
// deleted, following belongs_to associations transitively.
type CascadeResolver struct {
	registry *schema.Registry
	store    LocalStore
}

func NewCascadeResolver(registry *schema.Registry, store LocalStore) *CascadeResolver {
	return &CascadeResolver{registry: registry, store: store}
}

// Resolve returns root and its visible dependents in deletion order:
// every record appears after all the records that belong to it.
func (c *CascadeResolver) Resolve(ctx context.Context, root record.Stored) ([]record.Stored, error) {
	visited := make(map[string]bool)
	var order []record.Stored

	var walk func(s record.Stored) error
	walk = func(s record.Stored) error {
		k := outboxKey(s.Metadata.TypeName, s.Metadata.Key)
		if visited[k] {
			return nil
		}
		visited[k] = true

		children, err := c.children(ctx, s)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}
		order = append(order, s)
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return order, nil
}

func (c *CascadeResolver) children(ctx context.Context, owner record.Stored) ([]record.Stored, error) {
	parts := owner.Metadata.Key.Parts()

	var out []record.Stored
	for _, dep := range c.registry.Dependents(owner.Metadata.TypeName) {
		fk := dep.Association.TargetNames
		if len(fk) != len(parts) {
			return nil, fmt.Errorf("%w: %s.%s has %d key fields, %s key has %d",
				schema.ErrInvalidModel, dep.Model.Name, dep.Association.Name, len(fk), owner.Metadata.TypeName, len(parts))
		}
		conds := make([]predicate.Predicate, 0, len(fk))
		for i, name := range fk {
			conds = append(conds, predicate.Eq(name, parts[i]))
		}

		rows, err := c.store.Query(ctx, dep.Model.Name, predicate.And(conds...))
		if err != nil {
			return nil, fmt.Errorf("query %s dependents of %s %s: %w", dep.Model.Name, owner.Metadata.TypeName, owner.Metadata.Key, err)
		}
		for _, r := range rows {
			if r.Visible() {
				out = append(out, r)
			}
		}
	}
	return out, nil
}
