// Package connector implements the per-node HTTP surface federation
// uses to wire remote edges and deliver forward/backward signals,
// plus the outbound Client half of the same protocol. The three verbs
// are plain REST: each handler decodes the body, sets a latch, and
// returns immediately.
package connector

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anacostia-go/anacostia/internal/node"
)

// Mount registers the three Connector endpoints for n under
// "/<n.Name>/connector" on r. selfURL is this node's own advertised
// URL, echoed back in the /connect response body.
func Mount(r chi.Router, n *node.BaseNode, selfURL string) {
	r.Route("/"+n.Name+"/connector", func(r chi.Router) {
		r.Post("/connect", handleConnect(n, selfURL))
		r.Post("/forward_signal", handleForwardSignal(n))
		r.Post("/backward_signal", handleBackwardSignal(n))
	})
}

func handleConnect(n *node.BaseNode, selfURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body node.NodeConnectionModel
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.NodeURL == "" {
			http.Error(w, "node_url is required", http.StatusBadRequest)
			return
		}

		n.AddRemotePredecessor(body.NodeURL)

		resp := node.NodeConnectionModel{NodeModel: n.Model(), NodeURL: selfURL}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleForwardSignal(n *node.BaseNode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body node.NodeConnectionModel
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		n.SetPredecessorLatch(body.NodeURL, body.Result)
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func handleBackwardSignal(n *node.BaseNode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body node.NodeConnectionModel
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		n.SetSuccessorLatch(body.NodeURL, body.Result)
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
