package health

import (
	"encoding/json"
	"net/http"
)

type Status struct {
	OK            bool   `json:"ok"`
	Message       string `json:"message,omitempty"`
	QueueDepth    int    `json:"queue_depth"`
	StoreWritable bool   `json:"store_writable"`
}

// Prober reports the number of queued entries and whether the store can be written.
// *queue.Store implements it.
type Prober interface {
	Probe() (int, error)
}

// HTTPHandler returns an HTTP handler that reports the health status of the agent
func HTTPHandler(prober Prober) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", StoreWritable: true}

		w.Header().Set("Content-Type", "application/json")
		if prober != nil {
			depth, err := prober.Probe()
			st.QueueDepth = depth
			if err != nil {
				st.OK = false
				st.Message = "store probe failed"
				st.StoreWritable = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
