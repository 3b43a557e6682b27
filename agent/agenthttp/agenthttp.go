// Package agenthttp serves the state of running exchanges over HTTP.
package agenthttp

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/meeh420/coinffeine/agent"
	"github.com/rs/cors"
)

// SnapshotSource returns the snapshot of the agent running exchange id.
type SnapshotSource interface {
	Snapshot(exchangeID string) (agent.Snapshot, bool)
}

// Agents is a SnapshotSource over a fixed set of agents.
type Agents []*agent.Agent

func (as Agents) Snapshot(exchangeID string) (agent.Snapshot, bool) {
	for _, a := range as {
		s := a.Snapshot()
		if s.ExchangeID == exchangeID {
			return s, true
		}
	}
	return agent.Snapshot{}, false
}

// New returns a handler serving the snapshot of an exchange at
// /exchanges/{id}.
func New(src SnapshotSource) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/exchanges/", handleSnapshot(src))
	return cors.Default().Handler(m)
}

type resultView struct {
	Success   bool
	Cause     agent.Cause
	Step      int
	OfferID   string `json:",omitempty"`
	OfferStep int    `json:",omitempty"`
	Error     string `json:",omitempty"`
}

func handleSnapshot(src SnapshotSource) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/exchanges/")
		s, ok := src.Snapshot(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		v := struct {
			agent.Snapshot
			Result *resultView
		}{Snapshot: s}
		if s.Result != nil {
			v.Result = &resultView{
				Success: s.Result.Success,
				Cause:   s.Result.Cause,
				Step:    s.Result.Step,
			}
			if s.Result.Offer != nil {
				v.Result.OfferID = s.Result.Offer.TxHash().String()
				v.Result.OfferStep = s.Result.OfferStep
			}
			if s.Result.Err != nil {
				v.Result.Error = s.Result.Err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err := enc.Encode(v)
		if err != nil {
			panic(err)
		}
	}
}
