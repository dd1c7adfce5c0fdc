package shiphero

import (
	"context"
	"encoding/json"
	"fmt"
)

// filterForType drops payload keys the tenant's input type does not declare,
// recursing into nested input objects. Filtering fails open: when the field
// list for a type cannot be fetched, the payload passes through untouched
// and the API is left to reject anything it dislikes.
func (c *Client) filterForType(ctx context.Context, typeName string, payload Payload) Payload {
	fields, err := c.inputFieldsFor(ctx, typeName)
	if err != nil {
		c.log.Printf("Could not introspect %s, sending payload unfiltered: %v", typeName, err)
		return payload
	}

	byName := make(map[string]inputField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	filtered := make(Payload, len(payload))
	for key, value := range payload {
		field, ok := byName[key]
		if !ok {
			continue
		}
		if field.Kind == "INPUT_OBJECT" {
			switch nested := value.(type) {
			case map[string]any:
				filtered[key] = map[string]any(c.filterForType(ctx, field.TypeName, nested))
			case Payload:
				filtered[key] = map[string]any(c.filterForType(ctx, field.TypeName, nested))
			case []map[string]any:
				out := make([]map[string]any, len(nested))
				for i, item := range nested {
					out[i] = c.filterForType(ctx, field.TypeName, item)
				}
				filtered[key] = out
			case []any:
				out := make([]any, len(nested))
				for i, item := range nested {
					if m, isMap := item.(map[string]any); isMap {
						out[i] = map[string]any(c.filterForType(ctx, field.TypeName, m))
					} else {
						out[i] = item
					}
				}
				filtered[key] = out
			default:
				filtered[key] = value
			}
			continue
		}
		filtered[key] = value
	}
	return filtered
}

// ensureRequiredCreateFields fills in tenant-required create fields the
// payload is missing, using neutral defaults. If the required field list
// cannot be determined the payload is left alone.
func (c *Client) ensureRequiredCreateFields(ctx context.Context, payload Payload) error {
	fields, err := c.inputFieldsFor(ctx, c.shape.Create.InputType)
	if err != nil {
		c.log.Printf("Could not introspect %s for required fields: %v", c.shape.Create.InputType, err)
		return nil
	}

	for _, f := range fields {
		if !f.Required {
			continue
		}
		if _, present := payload[f.Name]; present {
			continue
		}
		switch f.Name {
		case "warehouse_products":
			wp, err := c.defaultWarehouseProducts(ctx)
			if err != nil {
				return err
			}
			payload["warehouse_products"] = wp
		case "price":
			payload["price"] = "0.00"
		case "sku":
			return fmt.Errorf("create payload missing required sku")
		default:
			c.log.Printf("Required create field %q has no default, leaving absent", f.Name)
		}
	}
	return nil
}

// defaultWarehouseProducts synthesizes the minimal warehouse_products entry
// tenants require at product creation. Stock levels are zero: inventory is
// not this system's concern.
func (c *Client) defaultWarehouseProducts(ctx context.Context) ([]map[string]any, error) {
	warehouseID, err := c.defaultWarehouseID(ctx)
	if err != nil {
		return nil, err
	}
	return []map[string]any{{
		"warehouse_id":  warehouseID,
		"on_hand":       0,
		"reorder_level": 0,
	}}, nil
}

// defaultWarehouseID returns the configured warehouse, or looks up the
// tenant's first warehouse once and caches it.
func (c *Client) defaultWarehouseID(ctx context.Context) (string, error) {
	if c.cfg.DefaultWarehouseID != "" {
		return c.cfg.DefaultWarehouseID, nil
	}

	c.warehouseMu.Lock()
	defer c.warehouseMu.Unlock()
	if c.warehouseID != "" {
		return c.warehouseID, nil
	}

	query := `query {
  account {
    data {
      warehouses { id identifier }
    }
  }
}`
	data, err := c.do(ctx, "warehouse lookup", query, nil)
	if err != nil {
		return "", fmt.Errorf("no default warehouse configured and lookup failed: %w", err)
	}

	var result struct {
		Account struct {
			Data struct {
				Warehouses []struct {
					ID string `json:"id"`
				} `json:"warehouses"`
			} `json:"data"`
		} `json:"account"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to decode warehouse lookup: %w", err)
	}
	if len(result.Account.Data.Warehouses) == 0 {
		return "", fmt.Errorf("tenant has no warehouses; set a default warehouse id in config")
	}

	c.warehouseID = result.Account.Data.Warehouses[0].ID
	c.log.Printf("Using tenant's first warehouse %s as default", c.warehouseID)
	return c.warehouseID, nil
}
