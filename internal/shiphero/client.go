// Package shiphero implements the downstream WMS client. ShipHero tenants do
// not all expose the same GraphQL schema, so the client introspects the
// product mutations at startup and adapts its requests to whatever the tenant
// actually accepts.
package shiphero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Payload is a product payload headed downstream. Keys are GraphQL input
// field names.
type Payload map[string]any

// ProductRef carries every identifier known for a downstream product, so the
// client can pick whichever one the tenant's update mutation wants.
type ProductRef struct {
	SKU      string
	ID       string
	LegacyID int64
}

// ProductNode is the product identity returned by queries and mutations.
type ProductNode struct {
	ID       string `json:"id"`
	LegacyID int64  `json:"legacy_id"`
	SKU      string `json:"sku"`
	Name     string `json:"name"`
}

// GraphQLError is one entry from a response's errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// RequestError reports a request the API accepted at the transport level but
// rejected semantically.
type RequestError struct {
	Op     string
	Errors []GraphQLError
}

func (e *RequestError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ge := range e.Errors {
		msgs[i] = ge.Message
	}
	return fmt.Sprintf("shiphero %s failed: %s", e.Op, strings.Join(msgs, "; "))
}

// Config configures a downstream client.
type Config struct {
	RefreshToken       string
	OAuthURL           string
	APIBaseURL         string
	DefaultWarehouseID string
	Logger             *log.Logger
	HTTPClient         *http.Client
}

// Client talks to one ShipHero tenant.
type Client struct {
	cfg   Config
	http  *http.Client
	log   *log.Logger
	shape Shape

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	fieldsMu    sync.Mutex
	inputFields map[string][]inputField

	warehouseMu sync.Mutex
	warehouseID string
}

// New authenticates against the tenant and discovers its mutation shapes.
// Introspection failure is not fatal; the client falls back to the most
// common schema layout and logs the degradation.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[shiphero] ", log.LstdFlags)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	c := &Client{
		cfg:         cfg,
		http:        cfg.HTTPClient,
		log:         cfg.Logger,
		inputFields: make(map[string][]inputField),
	}

	if err := c.refreshAccessToken(ctx); err != nil {
		return nil, err
	}

	shape, err := c.detectShape(ctx)
	if err != nil {
		c.log.Printf("Schema introspection failed, using fallback mutation shape: %v", err)
		shape = fallbackShape()
	}
	c.shape = shape
	c.log.Printf("Mutation shape: create=%s(%s: %s) update=%s(%s: %s, id arg %q)",
		shape.Create.Mutation, shape.Create.InputArg, shape.Create.InputType,
		shape.Update.Mutation, shape.Update.InputArg, shape.Update.InputType,
		shape.Update.IDArg)
	return c, nil
}

// Shape reports the mutation layout the client is operating with.
func (c *Client) Shape() Shape { return c.shape }

func (c *Client) refreshAccessToken(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"refresh_token": c.cfg.RefreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to refresh access token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("token refresh returned HTTP %d: %s", resp.StatusCode, snippet(string(raw), 300))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token refresh returned no access_token")
	}

	c.mu.Lock()
	c.accessToken = tok.AccessToken
	if tok.ExpiresIn > 0 {
		c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else {
		c.tokenExpiry = time.Now().Add(time.Hour)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	valid := c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute
	tok := c.accessToken
	c.mu.Unlock()
	if valid {
		return tok, nil
	}
	if err := c.refreshAccessToken(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	tok = c.accessToken
	c.mu.Unlock()
	return tok, nil
}

// do runs one GraphQL request and returns the data object. A non-empty
// errors array in the response is returned as a *RequestError.
func (c *Client) do(ctx context.Context, op, query string, variables map[string]any) (json.RawMessage, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("shiphero returned HTTP %d for %s: %s", resp.StatusCode, op, snippet(string(raw), 300))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []GraphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if len(envelope.Errors) > 0 {
		return nil, &RequestError{Op: op, Errors: envelope.Errors}
	}
	return envelope.Data, nil
}

// createOnlyFields are accepted by product creation but rejected by update
// mutations on every tenant observed so far. They are always stripped from
// update payloads.
var createOnlyFields = []string{"kit", "kit_build", "no_air", "customs_value", "not_owned", "dropship"}

// Create pushes a new product downstream. The payload is filtered to the
// fields the tenant's create input actually accepts, and tenant-required
// fields missing from it are synthesized with safe defaults.
func (c *Client) Create(ctx context.Context, payload Payload) (*ProductNode, error) {
	filtered := c.filterForType(ctx, c.shape.Create.InputType, payload)
	if err := c.ensureRequiredCreateFields(ctx, filtered); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`mutation($data: %s!) {
  %s(%s: $data) {
    request_id
    product { id legacy_id sku name }
  }
}`, c.shape.Create.InputType, c.shape.Create.Mutation, c.shape.Create.InputArg)

	data, err := c.do(ctx, "product create", query, map[string]any{"data": filtered})
	if err != nil {
		return nil, err
	}
	return extractProduct(data, c.shape.Create.Mutation)
}

// Update pushes changed attributes for an existing product. The identifier
// is chosen to match the tenant's update mutation: a dedicated identifier
// argument when the schema has one, otherwise the SKU rides in the payload.
func (c *Client) Update(ctx context.Context, ref ProductRef, payload Payload) (*ProductNode, error) {
	if ref.SKU == "" {
		return nil, fmt.Errorf("product update requires a SKU")
	}

	working := make(Payload, len(payload))
	for k, v := range payload {
		working[k] = v
	}
	for _, f := range createOnlyFields {
		delete(working, f)
	}

	filtered := c.filterForType(ctx, c.shape.Update.InputType, working)

	vars := map[string]any{}
	var varDecls, argDecls []string

	identDecl := func(fallbackType string) string {
		t := c.shape.Update.IDArgType
		if t == "" {
			t = fallbackType
		}
		return "$ident: " + t + "!"
	}

	switch c.shape.Update.IDArg {
	case "":
		filtered["sku"] = ref.SKU
	case "id", "product_id":
		id := ref.ID
		if id == "" {
			node, err := c.ProductBySKU(ctx, ref.SKU)
			if err != nil {
				return nil, err
			}
			if node == nil {
				return nil, fmt.Errorf("product %s not found downstream for update", ref.SKU)
			}
			id = node.ID
		}
		vars["ident"] = id
		varDecls = append(varDecls, identDecl("String"))
		argDecls = append(argDecls, c.shape.Update.IDArg+": $ident")
	case "legacy_id":
		legacy := ref.LegacyID
		if legacy == 0 {
			node, err := c.ProductBySKU(ctx, ref.SKU)
			if err != nil {
				return nil, err
			}
			if node == nil {
				return nil, fmt.Errorf("product %s not found downstream for update", ref.SKU)
			}
			legacy = node.LegacyID
		}
		vars["ident"] = legacy
		varDecls = append(varDecls, identDecl("Int"))
		argDecls = append(argDecls, "legacy_id: $ident")
	case "sku":
		vars["ident"] = ref.SKU
		varDecls = append(varDecls, identDecl("String"))
		argDecls = append(argDecls, "sku: $ident")
	default:
		// Unknown identifier arg name: safest is to carry the SKU in the
		// payload and let the tenant resolve it.
		filtered["sku"] = ref.SKU
	}

	vars["data"] = filtered
	varDecls = append(varDecls, fmt.Sprintf("$data: %s!", c.shape.Update.InputType))
	argDecls = append(argDecls, c.shape.Update.InputArg+": $data")

	query := fmt.Sprintf(`mutation(%s) {
  %s(%s) {
    request_id
    product { id legacy_id sku name }
  }
}`, strings.Join(varDecls, ", "), c.shape.Update.Mutation, strings.Join(argDecls, ", "))

	data, err := c.do(ctx, "product update", query, vars)
	if err != nil {
		return nil, err
	}
	return extractProduct(data, c.shape.Update.Mutation)
}

// ProductBySKU looks a product up by its SKU. A nil node with a nil error
// means the product does not exist downstream.
func (c *Client) ProductBySKU(ctx context.Context, sku string) (*ProductNode, error) {
	query := `query($sku: String!) {
  products(sku: $sku) {
    data(first: 1) {
      edges { node { id legacy_id sku name } }
    }
  }
}`

	data, err := c.do(ctx, "product lookup", query, map[string]any{"sku": sku})
	if err != nil {
		return nil, err
	}

	node, found, decodeErr := decodeProductLookup(data)
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode product lookup for %s: %w", sku, decodeErr)
	}
	if !found {
		return nil, nil
	}
	return node, nil
}

// decodeProductLookup tolerates both connection (edges/node) and plain list
// result shapes.
func decodeProductLookup(data json.RawMessage) (*ProductNode, bool, error) {
	var conn struct {
		Products struct {
			Data struct {
				Edges []struct {
					Node ProductNode `json:"node"`
				} `json:"edges"`
			} `json:"data"`
		} `json:"products"`
	}
	if err := json.Unmarshal(data, &conn); err == nil && len(conn.Products.Data.Edges) > 0 {
		n := conn.Products.Data.Edges[0].Node
		return &n, true, nil
	}

	var list struct {
		Products struct {
			Data []ProductNode `json:"data"`
		} `json:"products"`
	}
	if err := json.Unmarshal(data, &list); err == nil && len(list.Products.Data) > 0 {
		n := list.Products.Data[0]
		return &n, true, nil
	}

	// Neither shape produced a product. Distinguish decode failure from a
	// genuinely empty result.
	var probe struct {
		Products json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func extractProduct(data json.RawMessage, mutation string) (*ProductNode, error) {
	var result map[string]struct {
		Product *productNodeFlexible `json:"product"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", mutation, err)
	}
	entry, ok := result[mutation]
	if !ok || entry.Product == nil {
		return nil, nil
	}
	return entry.Product.node(), nil
}

// productNodeFlexible tolerates legacy_id arriving as either a JSON number
// or a string.
type productNodeFlexible struct {
	ID       string          `json:"id"`
	LegacyID json.RawMessage `json:"legacy_id"`
	SKU      string          `json:"sku"`
	Name     string          `json:"name"`
}

func (p *productNodeFlexible) node() *ProductNode {
	n := &ProductNode{ID: p.ID, SKU: p.SKU, Name: p.Name}
	if len(p.LegacyID) > 0 {
		var num int64
		if err := json.Unmarshal(p.LegacyID, &num); err == nil {
			n.LegacyID = num
		} else {
			var s string
			if err := json.Unmarshal(p.LegacyID, &s); err == nil {
				if parsed, perr := strconv.ParseInt(s, 10, 64); perr == nil {
					n.LegacyID = parsed
				}
			}
		}
	}
	return n
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
