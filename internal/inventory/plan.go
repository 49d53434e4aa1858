package inventory

import (
	"fmt"
	"strings"

	"github.com/ariefcatur/go-fulfillment-saga/internal/events"
)

// Debit is one stock decrement, guarded by the version it was planned on.
type Debit struct {
	ProductID string
	Quantity  int
	Version   int64
}

type Plan struct {
	Items  []events.ReservedItem
	Debits []Debit
}

// PlanReservation checks a whole request against a consistent snapshot of the
// products before anything is written. On rejection it returns a zero Plan
// and the reason. Duplicate product ids are merged into one line.
func PlanReservation(products map[string]Product, items []events.ProductQuantity) (Plan, string) {
	if len(items) == 0 {
		return Plan{}, "no products requested"
	}

	var missing []string
	noted := map[string]bool{}
	for _, it := range items {
		if _, ok := products[it.ProductID]; !ok && !noted[it.ProductID] {
			noted[it.ProductID] = true
			missing = append(missing, it.ProductID)
		}
	}
	if len(missing) > 0 {
		return Plan{}, "missing products: " + strings.Join(missing, ", ")
	}

	lines := mergeLines(items)
	for _, ln := range lines {
		if ln.Quantity <= 0 {
			return Plan{}, fmt.Sprintf("invalid quantity for product %s", ln.ProductID)
		}
	}
	for _, ln := range lines {
		if products[ln.ProductID].Stock < ln.Quantity {
			return Plan{}, fmt.Sprintf("insufficient stock for product %s", ln.ProductID)
		}
	}

	plan := Plan{
		Items:  make([]events.ReservedItem, 0, len(lines)),
		Debits: make([]Debit, 0, len(lines)),
	}
	for _, ln := range lines {
		p := products[ln.ProductID]
		plan.Items = append(plan.Items, events.ReservedItem{
			ProductID:   p.ID,
			Title:       p.Title,
			Description: p.Description,
			Quantity:    ln.Quantity,
			UnitPrice:   p.PriceCents,
		})
		plan.Debits = append(plan.Debits, Debit{ProductID: p.ID, Quantity: ln.Quantity, Version: p.Version})
	}
	return plan, ""
}

// mergeLines sums quantities per product keeping first-seen order. A
// non-positive line poisons the merged quantity so it is still rejected.
func mergeLines(items []events.ProductQuantity) []events.ProductQuantity {
	idx := map[string]int{}
	out := make([]events.ProductQuantity, 0, len(items))
	bad := map[string]bool{}
	for _, it := range items {
		if it.Quantity <= 0 {
			bad[it.ProductID] = true
		}
		if i, ok := idx[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	for i := range out {
		if bad[out[i].ProductID] {
			out[i].Quantity = 0
		}
	}
	return out
}

func uniqueIDs(items []events.ProductQuantity) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			out = append(out, it.ProductID)
		}
	}
	return out
}
