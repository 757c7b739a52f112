// Package aggregate sums daily facts into per-entity views and derives the
// ratio metrics. It performs no I/O.
package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"

	"adsmetrics-proxy/internal/model"
)

var microsPerUnit = decimal.NewFromInt(1_000_000)

// Entities groups facts by entity ID, sums their counters across all dates and
// joins the matching hierarchy rows. Entities known only from the hierarchy are
// included with zero counters. Output is ordered by cost, highest first, then
// by entity ID.
func Entities(entityType model.EntityType, facts []model.MetricsFact, hierarchy []model.EntityHierarchy) []model.EntityView {
	meta := make(map[string]model.EntityHierarchy, len(hierarchy))
	for _, h := range hierarchy {
		if h.EntityType != entityType {
			continue
		}
		meta[h.EntityID] = h
	}

	sums := make(map[string]model.Counters)
	parents := make(map[string]model.MetricsFact)
	for _, f := range facts {
		if f.EntityType != entityType {
			continue
		}
		sums[f.EntityID] = sums[f.EntityID].Add(f.Counters)
		if _, ok := parents[f.EntityID]; !ok {
			parents[f.EntityID] = f
		}
	}
	for id := range meta {
		if _, ok := sums[id]; !ok {
			sums[id] = model.Counters{}
		}
	}

	views := make([]model.EntityView, 0, len(sums))
	for id, counters := range sums {
		view := build(entityType, id, counters)
		if h, ok := meta[id]; ok {
			view.Name = h.EntityName
			view.Status = h.Status
			view.CampaignType = h.CampaignType
			view.ParentEntityType = h.ParentEntityType
			view.ParentEntityID = h.ParentEntityID
		} else {
			f := parents[id]
			view.ParentEntityType = f.ParentEntityType
			view.ParentEntityID = f.ParentEntityID
		}
		if view.Name == "" {
			view.Name = entityType.Label() + " " + id
		}
		if view.Status == "" {
			view.Status = model.StatusEnabled
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].CostMicros != views[j].CostMicros {
			return views[i].CostMicros > views[j].CostMicros
		}
		return views[i].EntityID < views[j].EntityID
	})
	return views
}

// Totals sums a set of views into one account-level row.
func Totals(views []model.EntityView) model.EntityView {
	var sum model.Counters
	for _, v := range views {
		sum = sum.Add(model.Counters{
			Impressions:      v.Impressions,
			Clicks:           v.Clicks,
			CostMicros:       v.CostMicros,
			Conversions:      v.Conversions,
			ConversionsValue: v.ConversionsValue,
		})
	}
	total := build("", "", sum)
	total.Name = "Total"
	return total
}

func build(entityType model.EntityType, id string, c model.Counters) model.EntityView {
	cost := decimal.NewFromInt(c.CostMicros).Div(microsPerUnit)
	view := model.EntityView{
		EntityID:         id,
		EntityType:       entityType,
		Impressions:      c.Impressions,
		Clicks:           c.Clicks,
		CostMicros:       c.CostMicros,
		Cost:             cost.InexactFloat64(),
		Conversions:      c.Conversions,
		ConversionsValue: c.ConversionsValue,
	}
	if c.Impressions > 0 {
		view.CTR = float64(c.Clicks) / float64(c.Impressions)
	}
	if c.Conversions.IsPositive() {
		view.CPA = cost.Div(c.Conversions).InexactFloat64()
	}
	if cost.IsPositive() {
		view.ROAS = c.ConversionsValue.Div(cost).InexactFloat64()
	}
	return view
}
