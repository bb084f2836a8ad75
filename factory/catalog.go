/*
Package factory provides JSON to Go policy catalog conversion.

PURPOSE:
  Converts a JSON catalog document into an advance.Catalog. New advance
  schemes are added by editing the document, not the code: HR can change
  percentages, yearly limits and installment options and restart the server.

JSON SCHEMA:
  {
    "precision": 2,
    "policies": [
      {
        "type": "capped-annual-once",
        "name": "Annual advance",
        "max_percent_of_salary": "0.75",
        "max_occurrences_per_year": 1,
        "allowed_installments": [1, 2, 3]
      }
    ]
  }

  max_percent_of_salary accepts a JSON string or number; strings avoid
  binary float rounding and are what ToJSON writes.

USAGE:
  catalog, err := factory.ParseCatalog(factory.DefaultCatalogJSON)
  catalog, err := factory.LoadCatalogFile("/etc/advance/catalog.json")

SEE ALSO:
  - advance/catalog.go: Catalog and PolicyDefinition
*/
package factory

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/salary-advance/advance"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a policy catalog.
type CatalogJSON struct {
	Precision *int32       `json:"precision,omitempty"`
	Policies  []PolicyJSON `json:"policies"`
}

// PolicyJSON is the JSON representation of one advance policy.
type PolicyJSON struct {
	Type                  string          `json:"type"`
	Name                  string          `json:"name"`
	MaxPercentOfSalary    decimal.Decimal `json:"max_percent_of_salary"`
	MaxOccurrencesPerYear int             `json:"max_occurrences_per_year"`
	AllowedInstallments   []int           `json:"allowed_installments"`
}

// DefaultCatalogJSON holds the two reference policies.
const DefaultCatalogJSON = `{
  "precision": 2,
  "policies": [
    {
      "type": "capped-annual-once",
      "name": "Annual advance",
      "max_percent_of_salary": "0.75",
      "max_occurrences_per_year": 1,
      "allowed_installments": [1, 2, 3]
    },
    {
      "type": "capped-periodic-thrice",
      "name": "Periodic advance",
      "max_percent_of_salary": "0.30",
      "max_occurrences_per_year": 3,
      "allowed_installments": [1, 2, 3]
    }
  ]
}`

// =============================================================================
// PARSING
// =============================================================================

// ParseCatalog parses a JSON document into a validated catalog.
func ParseCatalog(doc string) (*advance.Catalog, error) {
	return ParseCatalogBytes([]byte(doc))
}

func ParseCatalogBytes(doc []byte) (*advance.Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(doc, &cj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse catalog JSON: %v", advance.ErrInvalidCatalog, err)
	}
	return FromJSON(cj)
}

// LoadCatalogFile reads and parses a catalog document from disk.
func LoadCatalogFile(path string) (*advance.Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	c, err := ParseCatalogBytes(b)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// FromJSON converts a decoded document into a catalog.
func FromJSON(cj CatalogJSON) (*advance.Catalog, error) {
	defs := make([]advance.PolicyDefinition, 0, len(cj.Policies))
	for _, pj := range cj.Policies {
		defs = append(defs, advance.PolicyDefinition{
			Type:                  advance.PolicyType(pj.Type),
			Name:                  pj.Name,
			MaxPercentOfSalary:    pj.MaxPercentOfSalary,
			MaxOccurrencesPerYear: pj.MaxOccurrencesPerYear,
			AllowedInstallments:   pj.AllowedInstallments,
		})
	}

	var opts []advance.CatalogOption
	if cj.Precision != nil {
		opts = append(opts, advance.WithPrecision(*cj.Precision))
	}
	return advance.NewCatalog(defs, opts...)
}

// ToJSON converts a catalog back into its document form.
func ToJSON(c *advance.Catalog) CatalogJSON {
	precision := c.Precision()
	cj := CatalogJSON{Precision: &precision}
	for _, d := range c.All() {
		cj.Policies = append(cj.Policies, PolicyJSON{
			Type:                  string(d.Type),
			Name:                  d.Name,
			MaxPercentOfSalary:    d.MaxPercentOfSalary,
			MaxOccurrencesPerYear: d.MaxOccurrencesPerYear,
			AllowedInstallments:   d.AllowedInstallments,
		})
	}
	return cj
}
