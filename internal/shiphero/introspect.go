package shiphero

import (
	"context"
	"encoding/json"
	"fmt"
)

// MutationShape describes how one product mutation wants to be called.
type MutationShape struct {
	Mutation  string // mutation field name
	InputArg  string // argument carrying the product payload
	InputType string // input object type of that argument
	IDArg     string // identifier argument for updates, "" when none exists
	IDArgType string // scalar type of that argument (ID, String, Int)
}

// Shape is the full discovered mutation layout for a tenant.
type Shape struct {
	Create MutationShape
	Update MutationShape
	Source string // "introspection" or "fallback"
}

// fallbackShape is the layout most tenants expose. It is used when
// introspection is unavailable.
func fallbackShape() Shape {
	return Shape{
		Create: MutationShape{Mutation: "product_create", InputArg: "data", InputType: "CreateProductInput"},
		Update: MutationShape{Mutation: "product_update", InputArg: "data", InputType: "UpdateProductInput"},
		Source: "fallback",
	}
}

// typeRef mirrors the __Type wrapper chain from introspection results.
type typeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	OfType *typeRef `json:"ofType"`
}

// deepName unwraps NON_NULL and LIST wrappers to the named type.
func (t *typeRef) deepName() string {
	for t != nil {
		if t.Name != "" {
			return t.Name
		}
		t = t.OfType
	}
	return ""
}

// deepKind reports the kind of the innermost named type.
func (t *typeRef) deepKind() string {
	kind := ""
	for t != nil {
		if t.Name != "" {
			return t.Kind
		}
		kind = t.Kind
		t = t.OfType
	}
	return kind
}

func (t *typeRef) isNonNull() bool {
	return t != nil && t.Kind == "NON_NULL"
}

const mutationShapeQuery = `query {
  __schema {
    mutationType {
      fields {
        name
        args {
          name
          type { kind name ofType { kind name ofType { kind name ofType { kind name } } } }
        }
      }
    }
  }
}`

type introspectedArg struct {
	Name string   `json:"name"`
	Type *typeRef `json:"type"`
}

type introspectedField struct {
	Name string            `json:"name"`
	Args []introspectedArg `json:"args"`
}

// identifierPriority orders update identifier candidates. The opaque id is
// preferred; SKU-shaped identifiers come last because they force a payload
// round trip on rename.
var identifierPriority = []string{"id", "legacy_id", "sku", "product_id"}

// detectShape introspects the tenant's mutation type and derives the calling
// convention for the product create and update mutations.
func (c *Client) detectShape(ctx context.Context) (Shape, error) {
	data, err := c.do(ctx, "schema introspection", mutationShapeQuery, nil)
	if err != nil {
		return Shape{}, err
	}

	var result struct {
		Schema struct {
			MutationType struct {
				Fields []introspectedField `json:"fields"`
			} `json:"mutationType"`
		} `json:"__schema"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return Shape{}, fmt.Errorf("failed to decode introspection result: %w", err)
	}

	fields := result.Schema.MutationType.Fields
	if len(fields) == 0 {
		return Shape{}, fmt.Errorf("introspection returned no mutation fields")
	}

	create, err := shapeFor(fields, "product_create")
	if err != nil {
		return Shape{}, err
	}
	update, err := shapeFor(fields, "product_update")
	if err != nil {
		return Shape{}, err
	}
	return Shape{Create: create, Update: update, Source: "introspection"}, nil
}

// shapeFor derives one mutation's shape from its argument list. The payload
// argument is the one whose type name ends in "Input"; among the remaining
// scalar arguments, the best identifier candidate wins.
func shapeFor(fields []introspectedField, name string) (MutationShape, error) {
	var field *introspectedField
	for i := range fields {
		if fields[i].Name == name {
			field = &fields[i]
			break
		}
	}
	if field == nil {
		return MutationShape{}, fmt.Errorf("mutation %s not found in schema", name)
	}

	shape := MutationShape{Mutation: name}
	identifiers := map[string]string{}

	for _, arg := range field.Args {
		typeName := arg.Type.deepName()
		kind := arg.Type.deepKind()
		if kind == "INPUT_OBJECT" {
			if shape.InputArg == "" {
				shape.InputArg = arg.Name
				shape.InputType = typeName
			}
			continue
		}
		if typeName == "ID" || typeName == "String" || typeName == "Int" {
			identifiers[arg.Name] = typeName
		}
	}

	if shape.InputArg == "" {
		return MutationShape{}, fmt.Errorf("mutation %s exposes no input object argument", name)
	}

	for _, candidate := range identifierPriority {
		if typeName, ok := identifiers[candidate]; ok {
			shape.IDArg = candidate
			shape.IDArgType = typeName
			break
		}
	}
	return shape, nil
}

type inputField struct {
	Name     string
	TypeName string
	Kind     string
	Required bool
}

const inputFieldsQuery = `query($name: String!) {
  __type(name: $name) {
    inputFields {
      name
      type { kind name ofType { kind name ofType { kind name ofType { kind name } } } }
    }
  }
}`

// inputFieldsFor returns the declared fields of an input object type.
// Successful lookups are memoized; failures are not, so a transient error
// does not poison the cache.
func (c *Client) inputFieldsFor(ctx context.Context, typeName string) ([]inputField, error) {
	c.fieldsMu.Lock()
	cached, ok := c.inputFields[typeName]
	c.fieldsMu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := c.do(ctx, "input type introspection", inputFieldsQuery, map[string]any{"name": typeName})
	if err != nil {
		return nil, err
	}

	var result struct {
		Type *struct {
			InputFields []struct {
				Name string   `json:"name"`
				Type *typeRef `json:"type"`
			} `json:"inputFields"`
		} `json:"__type"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode input fields for %s: %w", typeName, err)
	}
	if result.Type == nil || len(result.Type.InputFields) == 0 {
		return nil, fmt.Errorf("type %s has no introspectable input fields", typeName)
	}

	fields := make([]inputField, 0, len(result.Type.InputFields))
	for _, f := range result.Type.InputFields {
		fields = append(fields, inputField{
			Name:     f.Name,
			TypeName: f.Type.deepName(),
			Kind:     f.Type.deepKind(),
			Required: f.Type.isNonNull(),
		})
	}

	c.fieldsMu.Lock()
	c.inputFields[typeName] = fields
	c.fieldsMu.Unlock()
	return fields, nil
}
