package signature

import (
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
)

// Heuristic names reported in anomalies.
const (
	HeuristicDuplicateOrderKeys = "duplicate_order_key_rate"
	HeuristicInvalidOrderKeys   = "invalid_order_key_rate"
	HeuristicNonStandardEvents  = "non_standard_event_rate"
)

// minScreenedBatch is the smallest batch the heuristics look at; rates
// over one or two events are meaningless.
const minScreenedBatch = 3

// Thresholds are the rates above which a batch counts as anomalous.
type Thresholds struct {
	DuplicateOrderKeyRate float64
	InvalidOrderKeyRate   float64
	NonStandardEventRate  float64
}

// Anomaly names a tripped heuristic and the observed rate.
type Anomaly struct {
	Heuristic string  `json:"heuristic"`
	Rate      float64 `json:"rate"`
	Threshold float64 `json:"threshold"`
}

// BatchStats summarizes the shape of a raw batch for abuse screening.
// Stats are collected from the batch as posted, before validation skips
// anything: events the validator would drop still shape the signal.
type BatchStats struct {
	Events            int
	KeyBearing        int
	UniqueOrderKeys   int
	InvalidOrderKeys  int
	NonStandardEvents int
}

// CollectStats derives BatchStats from the raw batch.
func CollectStats(raw []any) BatchStats {
	stats := BatchStats{Events: len(raw)}
	seen := make(map[string]struct{})

	for _, r := range raw {
		obj, ok := r.(map[string]any)
		if !ok {
			stats.NonStandardEvents++
			continue
		}

		name, _ := rawString(obj, "eventName", "event_name")
		if name == "" || !pixel.IsRecognized(name) {
			stats.NonStandardEvents++
		}

		data, _ := obj["data"].(map[string]any)
		if data == nil {
			continue
		}
		orderID, _ := rawString(data, "orderId")
		token, _ := rawString(data, "checkoutToken")

		switch {
		case orderID != "":
			stats.KeyBearing++
			if !pixel.ValidOrderID(orderID) {
				stats.InvalidOrderKeys++
			}
			seen["order:"+orderID] = struct{}{}
		case token != "":
			stats.KeyBearing++
			seen["token:"+token] = struct{}{}
		}
	}

	stats.UniqueOrderKeys = len(seen)
	return stats
}

// Screen evaluates the heuristics over a batch's stats. Batches smaller
// than three events are never screened, and the caller must only screen
// batches whose signature matched.
func Screen(stats BatchStats, th Thresholds) []Anomaly {
	if stats.Events < minScreenedBatch {
		return nil
	}

	var anomalies []Anomaly
	if stats.KeyBearing > 0 {
		dup := 1 - float64(stats.UniqueOrderKeys)/float64(stats.KeyBearing)
		if dup > th.DuplicateOrderKeyRate {
			anomalies = append(anomalies, Anomaly{HeuristicDuplicateOrderKeys, dup, th.DuplicateOrderKeyRate})
		}
		invalid := float64(stats.InvalidOrderKeys) / float64(stats.KeyBearing)
		if invalid > th.InvalidOrderKeyRate {
			anomalies = append(anomalies, Anomaly{HeuristicInvalidOrderKeys, invalid, th.InvalidOrderKeyRate})
		}
	}

	nonStandard := float64(stats.NonStandardEvents) / float64(stats.Events)
	if nonStandard > th.NonStandardEventRate {
		anomalies = append(anomalies, Anomaly{HeuristicNonStandardEvents, nonStandard, th.NonStandardEventRate})
	}

	return anomalies
}

func rawString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, present := m[k]; present {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
