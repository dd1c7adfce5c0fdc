package fulfil

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingSKU marks an upstream record without the business key. Such a
// record can never be reconciled downstream and is rejected before any
// network call.
var ErrMissingSKU = errors.New("missing SKU 'code' in upstream record")

// Product is the normalized internal shape of one upstream record. Optional
// attributes are pointers: absent upstream means nil here, never zero.
type Product struct {
	FulfilID           int64
	SKU                string
	Name               string
	UPC                *string
	ASIN               *string
	BuyerSKU           *string
	HSCode             *string
	CountryOfOrigin    *string
	CustomsDescription *string
	WeightKg           *float64
	LengthCm           *float64
	WidthCm            *float64
	HeightCm           *float64
	WriteDate          time.Time
}

type rawCode struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type rawWeight struct {
	WeightKg *float64 `json:"weight_kg"`
	WeightGm *float64 `json:"weight_gm"`
}

type rawDimensions struct {
	LengthCm *float64 `json:"length_cm"`
	WidthCm  *float64 `json:"width_cm"`
	HeightCm *float64 `json:"height_cm"`
}

type rawCustoms struct {
	HSCode             *string `json:"hs_code"`
	CountryOfOrigin    *string `json:"country_of_origin"`
	CustomsDescription *string `json:"customs_description"`
}

// rawProduct tolerates both the nested sub-object shape and the flat shape
// the listing endpoint has been observed to return.
type rawProduct struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	VariantName string          `json:"variant_name"`
	WriteDate   string          `json:"write_date"`
	Codes       []rawCode       `json:"codes"`
	Weight      json.RawMessage `json:"weight"`
	Dimensions  *rawDimensions  `json:"dimensions"`
	Customs     *rawCustoms     `json:"customs_information"`

	// Flat fallbacks, present on older tenants.
	UPC             *string  `json:"upc"`
	HSCode          *string  `json:"hs_code"`
	CountryOfOrigin *string  `json:"country_of_origin"`
	Length          *float64 `json:"length"`
	Width           *float64 `json:"width"`
	Height          *float64 `json:"height"`
}

// Normalize converts one raw upstream record into the internal Product
// shape: coded identifiers are extracted by tag, weight/dimension/customs
// sub-objects are flattened, and anything missing stays absent.
func Normalize(raw json.RawMessage) (*Product, error) {
	var r rawProduct
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to parse upstream record: %w", err)
	}

	if r.Code == "" {
		return nil, fmt.Errorf("product %d: %w", r.ID, ErrMissingSKU)
	}

	writeDate, err := parseWriteDate(r.WriteDate)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", r.Code, err)
	}

	p := &Product{
		FulfilID:  r.ID,
		SKU:       r.Code,
		Name:      r.VariantName,
		WriteDate: writeDate,
	}
	if p.Name == "" {
		p.Name = r.Name
	}
	if p.Name == "" {
		// Nameless records still need a display name downstream.
		p.Name = r.Code
	}

	for _, code := range r.Codes {
		value := code.Value
		if value == "" {
			continue
		}
		switch code.Type {
		case "upc":
			p.UPC = &value
		case "asin":
			p.ASIN = &value
		case "buyer_sku":
			p.BuyerSKU = &value
		}
	}
	if p.UPC == nil {
		p.UPC = emptyToNil(r.UPC)
	}

	p.WeightKg = extractWeightKg(r.Weight)

	if r.Dimensions != nil {
		p.LengthCm = r.Dimensions.LengthCm
		p.WidthCm = r.Dimensions.WidthCm
		p.HeightCm = r.Dimensions.HeightCm
	} else {
		p.LengthCm = r.Length
		p.WidthCm = r.Width
		p.HeightCm = r.Height
	}

	if r.Customs != nil {
		p.HSCode = emptyToNil(r.Customs.HSCode)
		p.CountryOfOrigin = emptyToNil(r.Customs.CountryOfOrigin)
		p.CustomsDescription = emptyToNil(r.Customs.CustomsDescription)
	} else {
		p.HSCode = emptyToNil(r.HSCode)
		p.CountryOfOrigin = emptyToNil(r.CountryOfOrigin)
	}

	return p, nil
}

// extractWeightKg accepts a bare number (kilograms) or a sub-object carrying
// weight_kg or weight_gm.
func extractWeightKg(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}

	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return &scalar
	}

	var w rawWeight
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil
	}
	if w.WeightKg != nil {
		return w.WeightKg
	}
	if w.WeightGm != nil {
		kg := *w.WeightGm / 1000
		return &kg
	}
	return nil
}

var writeDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseWriteDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing write_date")
	}
	for _, layout := range writeDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable write_date %q", s)
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
