// Package counter defines the metric semantics of the pipeline: which
// counters an event type feeds, with what signed weight, and whether the
// counter is a net delta (additions and removals cancel) or a lifetime
// addition (only ever increases).
package counter

import v1 "github.com/tally-io/tally/internal/api/v1"

// Kind distinguishes the two counter families.
type Kind int

const (
	// NetDelta counters track current state: cart count, favorite count.
	// Removal events carry negative weight and cancel prior additions.
	NetDelta Kind = iota

	// LifetimeAddition counters only grow: total clicks, total purchases,
	// a shop's all-time engagement. Removal events never touch them.
	LifetimeAddition
)

// Metric names. Entity metrics live on the entity's counter record; owner
// metrics on the owning shop's record.
const (
	MetricCartCount     = "cart_count"
	MetricCartAdds      = "cart_adds_total"
	MetricFavoriteCount = "favorite_count"
	MetricFavoriteAdds  = "favorite_adds_total"
	MetricClicks        = "click_count"
	MetricImpressions   = "impression_count"
	MetricPurchases     = "purchase_count"
	MetricOwnerEngaged  = "engagement_total"
)

// Weight binds one event type to one metric update.
type Weight struct {
	Metric string
	Kind   Kind
	// Sign is +1 for addition-type events, -1 for their paired removals.
	// Non-paired types (click, impression, purchase) are always +1.
	Sign int64
	// Owner routes the update to the event's OwnerID instead of its
	// EntityID. Owner metrics are lifetime-only.
	Owner bool
}

// Weights is the registry of metric updates per event type. The fold's hot
// path is a single map lookup; adding a metric means adding entries here,
// nothing else changes.
var Weights = map[v1.EventType][]Weight{
	v1.TypeCartAdded: {
		{Metric: MetricCartCount, Kind: NetDelta, Sign: +1},
		{Metric: MetricCartAdds, Kind: LifetimeAddition, Sign: +1},
		{Metric: MetricOwnerEngaged, Kind: LifetimeAddition, Sign: +1, Owner: true},
	},
	v1.TypeCartRemoved: {
		{Metric: MetricCartCount, Kind: NetDelta, Sign: -1},
	},
	v1.TypeFavoriteAdded: {
		{Metric: MetricFavoriteCount, Kind: NetDelta, Sign: +1},
		{Metric: MetricFavoriteAdds, Kind: LifetimeAddition, Sign: +1},
		{Metric: MetricOwnerEngaged, Kind: LifetimeAddition, Sign: +1, Owner: true},
	},
	v1.TypeFavoriteRemoved: {
		{Metric: MetricFavoriteCount, Kind: NetDelta, Sign: -1},
	},
	v1.TypeClick: {
		{Metric: MetricClicks, Kind: LifetimeAddition, Sign: +1},
		{Metric: MetricOwnerEngaged, Kind: LifetimeAddition, Sign: +1, Owner: true},
	},
	v1.TypeImpression: {
		{Metric: MetricImpressions, Kind: LifetimeAddition, Sign: +1},
	},
	v1.TypePurchase: {
		{Metric: MetricPurchases, Kind: LifetimeAddition, Sign: +1},
		{Metric: MetricOwnerEngaged, Kind: LifetimeAddition, Sign: +1, Owner: true},
	},
}

// DeltaMap accumulates signed metric changes per entity for one run.
// Transient: built from raw events every run, never persisted.
type DeltaMap map[string]map[string]int64

// Add folds one metric change into the map.
func (d DeltaMap) Add(entityID, metric string, delta int64) {
	m, ok := d[entityID]
	if !ok {
		m = make(map[string]int64)
		d[entityID] = m
	}
	m[metric] += delta
}

// Merge folds another delta map into this one. Summation is commutative
// and associative, so worker-local maps can be merged in any order.
func (d DeltaMap) Merge(other DeltaMap) {
	for entityID, metrics := range other {
		for metric, delta := range metrics {
			d.Add(entityID, metric, delta)
		}
	}
}

// Entities returns the number of distinct entities with pending deltas.
func (d DeltaMap) Entities() int {
	return len(d)
}

// Fold routes one event into the accumulators. Net-delta updates go to net,
// lifetime-addition updates to lifetime; owner-routed updates use the
// event's OwnerID and are skipped when no owner is attached.
func Fold(net, lifetime DeltaMap, evt *v1.Event) {
	for _, w := range Weights[evt.Type] {
		target := evt.EntityID
		if w.Owner {
			if evt.OwnerID == "" {
				continue
			}
			target = evt.OwnerID
		}
		delta := w.Sign * evt.EffectiveCount()
		switch w.Kind {
		case NetDelta:
			net.Add(target, w.Metric, delta)
		case LifetimeAddition:
			lifetime.Add(target, w.Metric, delta)
		}
	}
}
