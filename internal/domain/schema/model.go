package schema

import (
	"fmt"
	"time"

	"datasync/internal/domain/record"
)

type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldFloat     FieldType = "float"
	FieldBool      FieldType = "bool"
	FieldTimestamp FieldType = "timestamp"
	FieldJSON      FieldType = "json"
)

type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
}

type AssociationKind string

const (
	BelongsTo AssociationKind = "belongs_to"
	HasMany   AssociationKind = "has_many"
	HasOne    AssociationKind = "has_one"
)

// Association links a model to another model. For belongs_to, TargetNames
// are the fields of this model that hold the owner's primary key, in key order.
type Association struct {
	Name        string          `yaml:"name" json:"name"`
	Kind        AssociationKind `yaml:"kind" json:"kind"`
	Target      string          `yaml:"target" json:"target"`
	TargetNames []string        `yaml:"target_names" json:"target_names"`
}

// Model is the registration entry of one record type.
type Model struct {
	Name         string        `yaml:"name" json:"name"`
	PrimaryKey   []string      `yaml:"primary_key" json:"primary_key"`
	Fields       []Field       `yaml:"fields" json:"fields"`
	Associations []Association `yaml:"associations" json:"associations"`
}

func (m *Model) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (m *Model) BelongsTo() []Association {
	var out []Association
	for _, a := range m.Associations {
		if a.Kind == BelongsTo {
			out = append(out, a)
		}
	}
	return out
}

// KeyOf builds the primary key of r from the model's key fields.
func (m *Model) KeyOf(r record.Record) (record.Key, error) {
	parts := make([]string, 0, len(m.PrimaryKey))
	for _, name := range m.PrimaryKey {
		v, ok := r.Fields[name]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: %s.%s", ErrMissingKey, m.Name, name)
		}
		s := record.KeyValue(v)
		if s == "" {
			return "", fmt.Errorf("%w: %s.%s is empty", ErrMissingKey, m.Name, name)
		}
		parts = append(parts, s)
	}
	return record.NewKey(parts...), nil
}

// Validate checks that r belongs to the model, carries its key and that
// declared fields hold values of the declared type.
func (m *Model) Validate(r record.Record) error {
	if r.TypeName != m.Name {
		return fmt.Errorf("%w: record of type %q validated against %q", ErrInvalidRecord, r.TypeName, m.Name)
	}
	if _, err := m.KeyOf(r); err != nil {
		return err
	}
	for _, f := range m.Fields {
		v, ok := r.Fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("%w: %s.%s is required", ErrInvalidRecord, m.Name, f.Name)
			}
			continue
		}
		if !f.Type.accepts(v) {
			return fmt.Errorf("%w: %s.%s expects %s, got %T", ErrInvalidRecord, m.Name, f.Name, f.Type, v)
		}
	}
	return nil
}

func (t FieldType) accepts(v any) bool {
	switch t {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldInt:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case FieldFloat:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case FieldTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, ts)
			return err == nil
		}
		return false
	}
	// json and undeclared types accept anything.
	return true
}
