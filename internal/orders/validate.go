package orders

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// MaxQuantity is the largest per-line quantity; it matches the INTEGER
// quantity columns.
const MaxQuantity = math.MaxInt32

// ValidateItems checks the request shape: at least one line, a product id on
// every line and a quantity of at least one. It does not touch the store.
func ValidateItems(items []ItemInput) error {
	var verr ValidationError
	if len(items) == 0 {
		verr.Add("items", "The items field is required.")
		return &verr
	}
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			verr.Add(fmt.Sprintf("items.%d.product_id", i), "The product id field is required.")
		}
		switch {
		case it.Quantity < 1:
			verr.Add(fmt.Sprintf("items.%d.quantity", i), "The quantity must be at least 1.")
		case it.Quantity > MaxQuantity:
			verr.Add(fmt.Sprintf("items.%d.quantity", i), fmt.Sprintf("The quantity may not be greater than %d.", MaxQuantity))
		}
	}
	if verr.Empty() {
		return nil
	}
	return &verr
}

// ValidateExistence flags lines whose product is not in found.
func ValidateExistence(items []ItemInput, found map[string]Product) error {
	var verr ValidationError
	for i, it := range items {
		if _, ok := found[it.ProductID]; !ok {
			verr.Add(fmt.Sprintf("items.%d.product_id", i), "The selected product id is invalid.")
		}
	}
	if verr.Empty() {
		return nil
	}
	return &verr
}

// DistinctProductIDs returns the sorted set of product ids referenced by items.
func DistinctProductIDs(items []ItemInput) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		out = append(out, it.ProductID)
	}
	sort.Strings(out)
	return out
}
