package hostclient

import "sort"

// Stats is a point-in-time summary of a Client's request history, the Go
// analogue of the original adapter's response-time distribution reporting.
type Stats struct {
	RequestsMade int64
	Errors       int64
	ByStatusCode map[int]int64
	ByEndpoint   map[string]int64
	MinSeconds   float64
	MaxSeconds   float64
	MeanSeconds  float64
	P50Seconds   float64
	P95Seconds   float64
	P99Seconds   float64
}

// Stats returns a snapshot of request counters and response-time
// percentiles collected so far.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	byStatus := make(map[int]int64, len(c.byStatusCode))
	for k, v := range c.byStatusCode {
		byStatus[k] = v
	}
	byEndpoint := make(map[string]int64, len(c.byEndpoint))
	for k, v := range c.byEndpoint {
		byEndpoint[k] = v
	}

	sorted := append([]float64(nil), c.responseTimes...)
	sort.Float64s(sorted)

	var min, max, mean float64
	if len(sorted) > 0 {
		min = sorted[0]
		max = sorted[len(sorted)-1]
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		mean = sum / float64(len(sorted))
	}

	return Stats{
		RequestsMade: c.requestsMade,
		Errors:       c.errors,
		ByStatusCode: byStatus,
		ByEndpoint:   byEndpoint,
		MinSeconds:   min,
		MaxSeconds:   max,
		MeanSeconds:  mean,
		P50Seconds:   percentile(sorted, 0.50),
		P95Seconds:   percentile(sorted, 0.95),
		P99Seconds:   percentile(sorted, 0.99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
