package billing

import (
	"errors"
	"fmt"
	"strings"
)

// Plan is the subscription tier recorded on a ledger. PlanNone means no active subscription.
type Plan string

const (
	PlanNone  Plan = ""
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
	PlanBoost Plan = "boost"
)

// ErrUnknownPlanProduct is returned for processor product ids that are not in the catalog.
var ErrUnknownPlanProduct = errors.New("billing: UnknownPlanProduct")

// Allotment is the quota a plan grants per billing period.
type Allotment struct {
	Listings   int
	Highlights int
	Trusted    bool
}

var allotments = map[Plan]Allotment{
	PlanBasic: {Listings: 5, Highlights: 2, Trusted: false},
	PlanPro:   {Listings: 20, Highlights: 8, Trusted: true},
	PlanBoost: {Listings: 50, Highlights: 20, Trusted: true},
}

// Allotment returns the plan's quota; PlanNone grants nothing.
func (p Plan) Allotment() Allotment {
	return allotments[p]
}

// Paid reports whether p is one of the paid tiers.
func (p Plan) Paid() bool {
	_, ok := allotments[p]
	return ok
}

// ParsePlan converts a configured or requested plan name.
func ParsePlan(value string) (Plan, bool) {
	plan := Plan(strings.ToLower(strings.TrimSpace(value)))
	return plan, plan.Paid()
}

// Catalog maps processor product ids to plans. It is fixed at startup.
type Catalog struct {
	byProduct map[string]Plan
}

// NewCatalog builds a catalog from plan name to product id.
func NewCatalog(products map[string]string) (*Catalog, error) {
	catalog := &Catalog{byProduct: make(map[string]Plan, len(products))}
	for name, product := range products {
		plan, ok := ParsePlan(name)
		if !ok {
			return nil, fmt.Errorf("billing: unknown plan %q in catalog", name)
		}
		product = strings.TrimSpace(product)
		if product == "" {
			return nil, fmt.Errorf("billing: empty product id for plan %s", plan)
		}
		if existing, ok := catalog.byProduct[product]; ok && existing != plan {
			return nil, fmt.Errorf("billing: product %q mapped to %s and %s", product, existing, plan)
		}
		catalog.byProduct[product] = plan
	}
	return catalog, nil
}

// PlanFor resolves a product id. Unmapped ids never default to a paid tier.
func (c *Catalog) PlanFor(productID string) (Plan, error) {
	if c == nil {
		return PlanNone, ErrUnknownPlanProduct
	}
	plan, ok := c.byProduct[strings.TrimSpace(productID)]
	if !ok {
		return PlanNone, ErrUnknownPlanProduct
	}
	return plan, nil
}
