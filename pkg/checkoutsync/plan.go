package checkoutsync

import (
	"strings"

	"github.com/stripe/stripe-go/v83"
)

// PlanItem is one subscription line item as seen by the plan resolver.
type PlanItem struct {
	PriceID  string
	Quantity int64
	Deleted  bool
}

// InvoiceLine is one invoice line item, used as the resolver's last resort
// when the subscription items carry no classifiable price.
type InvoiceLine struct {
	// Type is the processor's line type tag; lines explicitly typed as
	// something other than "subscription" are skipped.
	Type     string
	PriceID  string
	Interval string
}

// ResolvePlan maps subscription line items (and, as a last resort, invoice
// lines) to an internal plan. First match wins, tiers scanned in order:
//
//  1. Items with positive quantity that are not deleted ("ranked" items);
//     if none qualify, all items.
//  2. Within the chosen set, the first price that classifies via mapping.
//     The first price seen is remembered as a fallback price reference even
//     when it does not classify.
//  3. If the ranked subset differed from the full set and nothing
//     classified, the full set is scanned.
//  4. Invoice lines: price classification first, then a literal
//     yearly/monthly billing-interval match.
//
// ok is false when no tier resolved; the caller must then retain the
// previously known plan rather than overwrite it.
func ResolvePlan(mapping map[string]Plan, items []PlanItem, lines []InvoiceLine) (plan Plan, priceID string, ok bool) {
	ranked := make([]PlanItem, 0, len(items))
	for _, it := range items {
		if it.Quantity > 0 && !it.Deleted {
			ranked = append(ranked, it)
		}
	}
	scanned := ranked
	if len(scanned) == 0 {
		scanned = items
	}

	plan, priceID, ok = classifyItems(mapping, scanned, "")
	if ok {
		return plan, priceID, true
	}

	if len(scanned) != len(items) {
		plan, priceID, ok = classifyItems(mapping, items, priceID)
		if ok {
			return plan, priceID, true
		}
	}

	for _, line := range lines {
		if line.Type != "" && line.Type != "subscription" {
			continue
		}
		if line.PriceID != "" {
			if priceID == "" {
				priceID = line.PriceID
			}
			if p, found := mapping[line.PriceID]; found {
				return p, line.PriceID, true
			}
		}
		switch strings.ToLower(line.Interval) {
		case "year", "yearly":
			return PlanYearly, priceID, true
		case "month", "monthly":
			return PlanMonthly, priceID, true
		}
	}

	return "", priceID, false
}

// classifyItems scans items in order, returning the first classifiable
// price. firstPrice carries the fallback price reference across scans.
func classifyItems(mapping map[string]Plan, items []PlanItem, firstPrice string) (Plan, string, bool) {
	for _, it := range items {
		if it.PriceID == "" {
			continue
		}
		if firstPrice == "" {
			firstPrice = it.PriceID
		}
		if p, found := mapping[it.PriceID]; found {
			return p, it.PriceID, true
		}
	}
	return "", firstPrice, false
}

// planItemsFromSubscription converts a Stripe subscription's items for the
// resolver.
func planItemsFromSubscription(sub *stripe.Subscription) []PlanItem {
	if sub == nil || sub.Items == nil {
		return nil
	}
	items := make([]PlanItem, 0, len(sub.Items.Data))
	for _, it := range sub.Items.Data {
		if it == nil {
			continue
		}
		item := PlanItem{Quantity: it.Quantity, Deleted: it.Deleted}
		if it.Price != nil {
			item.PriceID = it.Price.ID
		}
		items = append(items, item)
	}
	return items
}

// subscriptionPeriodEnd returns the latest current_period_end across the
// subscription's items (stripe-go v83 surfaces period bounds per item).
func subscriptionPeriodEnd(sub *stripe.Subscription) int64 {
	if sub == nil || sub.Items == nil {
		return 0
	}
	var end int64
	for _, it := range sub.Items.Data {
		if it != nil && it.CurrentPeriodEnd > end {
			end = it.CurrentPeriodEnd
		}
	}
	return end
}
