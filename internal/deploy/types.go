package deploy

import (
	"time"

	"deploystack/internal/scheduler"
)

// Request is the body of a deployment request. An empty Services list
// deploys every service in the manifest.
type Request struct {
	Services []string  `json:"services,omitempty"`
	Callback *Callback `json:"callback,omitempty"` // overrides the manifest callback
}

// Callback overrides the settlement webhook for one deployment.
type Callback struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"`
}

// Response acknowledges an accepted deployment.
type Response struct {
	Accepted []string `json:"accepted"`
	Expanded bool     `json:"expanded"`
	Pending  int      `json:"pending"`
	Running  int      `json:"running"`
}

// ResultView is the JSON shape of one settled build.
type ResultView struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Value      any       `json:"value,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
}

// ResultsResponse lists settled builds in settlement order.
type ResultsResponse struct {
	Results []ResultView `json:"results"`
}

// CapacityResponse reports the scheduler's capacity and occupancy.
type CapacityResponse struct {
	Capacity int  `json:"capacity"`
	Expanded bool `json:"expanded"`
	Pending  int  `json:"pending"`
	Running  int  `json:"running"`
	Settled  int  `json:"settled"`
}

// DrainResponse reports the ledger size once the queue has fully settled.
type DrainResponse struct {
	Settled int `json:"settled"`
}

func toResultView(r scheduler.Result) ResultView {
	v := ResultView{
		Name:       r.Name,
		Status:     string(r.Status),
		Value:      r.Value,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}
