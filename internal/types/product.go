package types

import (
	"fmt"
	"strings"
	"time"
)

// Category is the product family a document belongs to
type Category string

const (
	CategoryShampoo     Category = "shampoo"
	CategoryBodywash    Category = "bodywash"
	CategoryConditioner Category = "conditioner"
	CategoryLotion      Category = "lotion"
	CategoryCleanser    Category = "cleanser"
)

// Categories lists every supported category in display order
var Categories = []Category{
	CategoryShampoo,
	CategoryBodywash,
	CategoryConditioner,
	CategoryLotion,
	CategoryCleanser,
}

// IsValid checks if the category value is valid
func (c Category) IsValid() bool {
	switch c {
	case CategoryShampoo, CategoryBodywash, CategoryConditioner, CategoryLotion, CategoryCleanser:
		return true
	}
	return false
}

// ParseCategory normalizes user input into a Category
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !c.IsValid() {
		return "", fmt.Errorf("invalid category: %q", raw)
	}
	return c, nil
}

// Risk levels for an ingredient
const (
	RiskLow  = "low"
	RiskMid  = "mid"
	RiskHigh = "high"
)

// ProductInfo identifies the product
type ProductInfo struct {
	Category string `json:"category"`
	Brand    string `json:"brand,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Summary is the model-written overview of a product
type Summary struct {
	OneSentence string   `json:"one_sentence"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
	WhoFor      []string `json:"who_for"`
	WhoNotFor   []string `json:"who_not_for"`
}

// Ingredient is one entry of the ingredient list
type Ingredient struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Functions []string `json:"functions"`
	Risk      string   `json:"risk"`
	Notes     string   `json:"notes"`
}

// ProductDoc is the structured document produced by the two-stage pipeline
type ProductDoc struct {
	Product     ProductInfo    `json:"product"`
	Summary     Summary        `json:"summary"`
	Ingredients []Ingredient   `json:"ingredients"`
	Evidence    map[string]any `json:"evidence"`
}

// Normalize fills nil slices and defaults so the document serializes with every field present
func (d *ProductDoc) Normalize() {
	d.Product.Category = strings.ToLower(strings.TrimSpace(d.Product.Category))
	d.Product.Brand = strings.TrimSpace(d.Product.Brand)
	d.Product.Name = strings.TrimSpace(d.Product.Name)
	d.Summary.Pros = nonNil(d.Summary.Pros)
	d.Summary.Cons = nonNil(d.Summary.Cons)
	d.Summary.WhoFor = nonNil(d.Summary.WhoFor)
	d.Summary.WhoNotFor = nonNil(d.Summary.WhoNotFor)
	if d.Ingredients == nil {
		d.Ingredients = []Ingredient{}
	}
	for i := range d.Ingredients {
		ing := &d.Ingredients[i]
		ing.Functions = nonNil(ing.Functions)
		switch ing.Risk {
		case RiskLow, RiskMid, RiskHigh:
		default:
			ing.Risk = RiskLow
		}
	}
	if d.Evidence == nil {
		d.Evidence = map[string]any{}
	}
}

// IngredientNames returns up to limit non-empty ingredient names (limit <= 0 means all)
func (d *ProductDoc) IngredientNames(limit int) []string {
	names := make([]string, 0, len(d.Ingredients))
	for _, ing := range d.Ingredients {
		name := strings.TrimSpace(ing.Name)
		if name == "" {
			continue
		}
		names = append(names, name)
		if limit > 0 && len(names) >= limit {
			break
		}
	}
	return names
}

// ProductRecord is the index row for a stored product document
type ProductRecord struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Brand       string    `json:"brand,omitempty"`
	Name        string    `json:"name,omitempty"`
	OneSentence string    `json:"one_sentence,omitempty"`
	Tags        []string  `json:"tags"`
	ImagePath   string    `json:"image_path,omitempty"`
	JSONPath    string    `json:"json_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProductFilter narrows product listings
type ProductFilter struct {
	Category string
	Query    string
	Offset   int
	Limit    int
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
