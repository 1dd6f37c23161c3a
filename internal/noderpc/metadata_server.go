package noderpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/anacostia-go/anacostia/internal/metadata"
)

// MountMetadataServer registers one HTTP route per metadata.Store
// operation under "/<nodeName>/api/server", one handler per verb.
func MountMetadataServer(r chi.Router, nodeName string, store metadata.Store) {
	r.Route("/"+nodeName+"/api/server", func(r chi.Router) {
		r.Post("/add_node", handleAddNode(store))
		r.Post("/start_run", handleStartRun(store))
		r.Post("/end_run", handleEndRun(store))
		r.Get("/run_id", handleGetRunID(store))
		r.Get("/node_id", handleGetNodeID(store))
		r.Post("/create_entry", handleCreateEntry(store))
		r.Post("/merge_artifacts_table", handleMergeArtifactsTable(store))
		r.Get("/entry_exists", handleEntryExists(store))
		r.Post("/log_metrics", handleLogMetrics(store))
		r.Post("/log_params", handleLogParams(store))
		r.Post("/set_tags", handleSetTags(store))
		r.Get("/metrics", handleGetMetrics(store))
		r.Get("/params", handleGetParams(store))
		r.Get("/tags", handleGetTags(store))
		r.Post("/log_trigger", handleLogTrigger(store))
		r.Get("/num_entries", handleGetNumEntries(store))
		r.Get("/entries", handleGetEntries(store))
	})
}

type addNodeRequest struct {
	NodeName string `json:"node_name"`
}

func handleAddNode(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addNodeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := store.AddNode(r.Context(), req.NodeName); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func handleStartRun(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := store.StartRun(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"run_id": runID})
	}
}

func handleEndRun(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.EndRun(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func handleGetRunID(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := store.GetRunID(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"run_id": runID})
	}
}

func handleGetNodeID(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID, err := store.GetNodeID(r.Context(), r.URL.Query().Get("node_name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"node_id": nodeID})
	}
}

func handleCreateEntry(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req metadata.Entry
		if !decodeJSON(w, r, &req) {
			return
		}
		entry, err := store.CreateEntry(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

type mergeArtifactsTableRequest struct {
	NodeName string `json:"node_name"`
	RunID    int    `json:"run_id"`
}

func handleMergeArtifactsTable(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mergeArtifactsTableRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := store.MergeArtifactsTable(r.Context(), req.NodeName, req.RunID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func handleEntryExists(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeName := r.URL.Query().Get("node_name")
		location := r.URL.Query().Get("location")
		exists, err := store.EntryExists(r.Context(), nodeName, location)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
	}
}

type logMetricsRequest struct {
	NodeName string             `json:"node_name"`
	RunID    int                `json:"run_id"`
	Metrics  map[string]float64 `json:"metrics"`
}

func handleLogMetrics(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req logMetricsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := store.LogMetrics(r.Context(), req.NodeName, req.RunID, req.Metrics); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

type logParamsRequest struct {
	NodeName string            `json:"node_name"`
	RunID    int               `json:"run_id"`
	Params   map[string]string `json:"params"`
}

func handleLogParams(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req logParamsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := store.LogParams(r.Context(), req.NodeName, req.RunID, req.Params); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

type setTagsRequest struct {
	NodeName string   `json:"node_name"`
	RunID    int      `json:"run_id"`
	Tags     []string `json:"tags"`
}

func handleSetTags(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setTagsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := store.SetTags(r.Context(), req.NodeName, req.RunID, req.Tags); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func handleGetMetrics(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeName, runID, ok := parseNodeRunQuery(w, r)
		if !ok {
			return
		}
		metrics, err := store.GetMetrics(r.Context(), nodeName, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, metrics)
	}
}

func handleGetParams(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeName, runID, ok := parseNodeRunQuery(w, r)
		if !ok {
			return
		}
		params, err := store.GetParams(r.Context(), nodeName, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, params)
	}
}

func handleGetTags(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeName, runID, ok := parseNodeRunQuery(w, r)
		if !ok {
			return
		}
		tags, err := store.GetTags(r.Context(), nodeName, runID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tags)
	}
}

type logTriggerRequest struct {
	NodeName string `json:"node_name"`
	RunID    int    `json:"run_id"`
	Reason   string `json:"reason"`
}

func handleLogTrigger(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req logTriggerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := store.LogTrigger(r.Context(), req.NodeName, req.RunID, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}
}

func handleGetNumEntries(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeName := r.URL.Query().Get("node_name")
		state := metadata.EntryState(r.URL.Query().Get("state"))
		n, err := store.GetNumEntries(r.Context(), nodeName, state)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

func handleGetEntries(store metadata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeName := r.URL.Query().Get("node_name")
		state := metadata.EntryState(r.URL.Query().Get("state"))
		entries, err := store.GetEntries(r.Context(), nodeName, state)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func parseNodeRunQuery(w http.ResponseWriter, r *http.Request) (nodeName string, runID int, ok bool) {
	nodeName = r.URL.Query().Get("node_name")
	runID, err := strconv.Atoi(r.URL.Query().Get("run_id"))
	if err != nil {
		http.Error(w, "run_id must be an integer", http.StatusBadRequest)
		return "", 0, false
	}
	return nodeName, runID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if err == metadata.ErrRunNotStarted {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
