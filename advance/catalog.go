/*
catalog.go - Policy definitions

PURPOSE:
  A PolicyDefinition is the contract between the organization and employees
  about one advance scheme: how much of the salary a single request may take,
  how often per calendar year, and how the advance may be split into
  repayment installments.

  The Catalog is built once at startup (usually from JSON, see factory/) and
  passed to every evaluation. Nothing mutates it afterwards.

REFERENCE POLICIES:
  capped-annual-once:     75% of salary, once per year, 1-3 installments
  capped-periodic-thrice: 30% of salary, three times per year, 1-3 installments

SEE ALSO:
  - factory/catalog.go: JSON to Catalog conversion
  - eligibility.go: Uses definitions per requester
*/
package advance

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

const (
	PolicyAnnualOnce     PolicyType = "capped-annual-once"
	PolicyPeriodicThrice PolicyType = "capped-periodic-thrice"
)

// DefaultCurrencyPrecision is the number of decimal places amounts are rounded to.
const DefaultCurrencyPrecision int32 = 2

// =============================================================================
// POLICY DEFINITION
// =============================================================================

type PolicyDefinition struct {
	Type                  PolicyType
	Name                  string
	MaxPercentOfSalary    decimal.Decimal // fraction in (0, 1]
	MaxOccurrencesPerYear int
	AllowedInstallments   []int
}

// AllowsInstallments reports whether n is a legal repayment split.
func (p PolicyDefinition) AllowsInstallments(n int) bool {
	return slices.Contains(p.AllowedInstallments, n)
}

func (p PolicyDefinition) validate() error {
	if p.Type == "" {
		return fmt.Errorf("%w: policy type is required", ErrInvalidCatalog)
	}
	if !p.MaxPercentOfSalary.IsPositive() || p.MaxPercentOfSalary.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s: max percent of salary must be in (0, 1], got %s",
			ErrInvalidCatalog, p.Type, p.MaxPercentOfSalary)
	}
	if p.MaxOccurrencesPerYear < 1 {
		return fmt.Errorf("%w: %s: max occurrences per year must be >= 1", ErrInvalidCatalog, p.Type)
	}
	if len(p.AllowedInstallments) == 0 {
		return fmt.Errorf("%w: %s: at least one installment count is required", ErrInvalidCatalog, p.Type)
	}
	for _, n := range p.AllowedInstallments {
		if n < 1 {
			return fmt.Errorf("%w: %s: installment counts must be positive, got %d", ErrInvalidCatalog, p.Type, n)
		}
	}
	return nil
}

func (p PolicyDefinition) clone() PolicyDefinition {
	out := p
	out.AllowedInstallments = slices.Clone(p.AllowedInstallments)
	return out
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is an immutable, ordered set of policy definitions keyed by type.
type Catalog struct {
	order     []PolicyType
	byType    map[PolicyType]PolicyDefinition
	precision int32
}

type CatalogOption func(*Catalog)

// WithPrecision sets the currency precision used when rounding caps.
func WithPrecision(places int32) CatalogOption {
	return func(c *Catalog) { c.precision = places }
}

// NewCatalog validates the definitions and freezes them. Installment counts
// are sorted and de-duplicated.
func NewCatalog(defs []PolicyDefinition, opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		byType:    make(map[PolicyType]PolicyDefinition, len(defs)),
		precision: DefaultCurrencyPrecision,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.precision < 0 {
		return nil, fmt.Errorf("%w: precision must be >= 0", ErrInvalidCatalog)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: at least one policy is required", ErrInvalidCatalog)
	}

	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byType[d.Type]; dup {
			return nil, fmt.Errorf("%w: duplicate policy type %q", ErrInvalidCatalog, d.Type)
		}
		d = d.clone()
		slices.Sort(d.AllowedInstallments)
		d.AllowedInstallments = slices.Compact(d.AllowedInstallments)
		c.byType[d.Type] = d
		c.order = append(c.order, d.Type)
	}
	return c, nil
}

// MustCatalog is NewCatalog for static definitions; it panics on error.
func MustCatalog(defs []PolicyDefinition, opts ...CatalogOption) *Catalog {
	c, err := NewCatalog(defs, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the definition for a policy type.
func (c *Catalog) Get(t PolicyType) (PolicyDefinition, error) {
	d, ok := c.byType[t]
	if !ok {
		return PolicyDefinition{}, &UnknownPolicyError{PolicyType: t}
	}
	return d.clone(), nil
}

// All returns the definitions in configuration order.
func (c *Catalog) All() []PolicyDefinition {
	out := make([]PolicyDefinition, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.byType[t].clone())
	}
	return out
}

func (c *Catalog) Has(t PolicyType) bool {
	_, ok := c.byType[t]
	return ok
}

func (c *Catalog) Precision() int32 { return c.precision }

// ReferencePolicies returns the two reference schemes.
func ReferencePolicies() []PolicyDefinition {
	return []PolicyDefinition{
		{
			Type:                  PolicyAnnualOnce,
			Name:                  "Annual advance",
			MaxPercentOfSalary:    decimal.RequireFromString("0.75"),
			MaxOccurrencesPerYear: 1,
			AllowedInstallments:   []int{1, 2, 3},
		},
		{
			Type:                  PolicyPeriodicThrice,
			Name:                  "Periodic advance",
			MaxPercentOfSalary:    decimal.RequireFromString("0.30"),
			MaxOccurrencesPerYear: 3,
			AllowedInstallments:   []int{1, 2, 3},
		},
	}
}
