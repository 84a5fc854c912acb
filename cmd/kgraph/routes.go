package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/kgerr"
	"github.com/MrWong99/kgraph/internal/pipeline"
	"github.com/MrWong99/kgraph/internal/request"
)

// registerRoutes wires svc's operations onto mux, following the route shapes
// the original Python service exposed under /api.
func registerRoutes(mux *http.ServeMux, svc *request.Service) {
	mux.HandleFunc("POST /api/tasks", handleSubmitTask(svc))
	mux.HandleFunc("GET /api/tasks", handleListTasks(svc))
	mux.HandleFunc("GET /api/tasks/{id}", handleGetTask(svc))
	mux.HandleFunc("GET /api/tasks/{id}/delta", handleGetTaskDelta(svc))
	mux.HandleFunc("GET /api/tasks/{id}/stages", handleGetTaskStages(svc))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", handleCancelTask(svc))
	mux.HandleFunc("GET /api/events", handleEvents)

	mux.HandleFunc("GET /api/graph", handleGetGraph(svc))
	mux.HandleFunc("GET /api/stats", handleGetStats(svc))

	mux.HandleFunc("GET /api/classes", handleListClasses(svc))
	mux.HandleFunc("GET /api/classes/{name}", handleGetClass(svc))
	mux.HandleFunc("POST /api/classes", handleCreateClass(svc))
	mux.HandleFunc("POST /api/classes/{name}/properties", handleAddProperty(svc))

	mux.HandleFunc("GET /api/entities", handleListEntities(svc))
	mux.HandleFunc("GET /api/entities/{name}", handleGetEntity(svc))
	mux.HandleFunc("PUT /api/entities/{name}/properties", handleUpdateEntityProperty(svc))
	mux.HandleFunc("POST /api/entities/{name}/classes", handleAddClassToEntity(svc))

	mux.HandleFunc("GET /api/search", handleSearch(svc))
	mux.HandleFunc("GET /api/nodes/{id}", handleGetNodeDetail(svc))

	mux.HandleFunc("GET /api/databases", handleListDatabases(svc))
	mux.HandleFunc("POST /api/databases", handleCreateDatabase(svc))
	mux.HandleFunc("POST /api/databases/{name}/save", handleSaveDatabase(svc))
	mux.HandleFunc("POST /api/databases/{name}/load", handleLoadDatabase(svc))
	mux.HandleFunc("DELETE /api/databases/{name}", handleDeleteDatabase(svc))
	mux.HandleFunc("POST /api/databases/{name}/rename", handleRenameDatabase(svc))
}

// --- Tasks ---

func handleSubmitTask(svc *request.Service) http.HandlerFunc {
	type body struct {
		Text string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.SubmitTask", "invalid request body: %v", err))
			return
		}
		id := svc.SubmitTask(b.Text)
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
	}
}

func handleListTasks(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListTasks())
	}
}

func handleGetTask(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetTask(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleGetTaskDelta(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		delta, err := svc.GetTaskDelta(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, delta)
	}
}

func handleGetTaskStages(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stages, err := svc.GetTaskStages(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stages)
	}
}

func handleCancelTask(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CancelTask(r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Graph & stats ---

func handleGetGraph(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetGraph())
	}
}

func handleGetStats(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetStats())
	}
}

// --- Classes & properties ---

func handleListClasses(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListClasses())
	}
}

func handleGetClass(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		class, err := svc.GetClass(r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, class)
	}
}

func handleCreateClass(svc *request.Service) http.HandlerFunc {
	type body struct {
		Name        string                  `json:"name"`
		Description string                  `json:"description"`
		Properties  []kg.PropertyDefinition `json:"properties"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.CreateClass", "invalid request body: %v", err))
			return
		}
		if err := svc.CreateClass(b.Name, b.Description, b.Properties); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func handleAddProperty(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var prop kg.PropertyDefinition
		if err := json.NewDecoder(r.Body).Decode(&prop); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.AddProperty", "invalid request body: %v", err))
			return
		}
		if err := svc.AddProperty(r.PathValue("name"), prop); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Entities ---

func handleListEntities(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListEntities())
	}
}

func handleGetEntity(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.GetEntity(r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleUpdateEntityProperty(svc *request.Service) http.HandlerFunc {
	type body struct {
		ClassName string `json:"class_name"`
		Property  string `json:"property"`
		Value     string `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.UpdateEntityProperty", "invalid request body: %v", err))
			return
		}
		if err := svc.UpdateEntityProperty(r.PathValue("name"), b.ClassName, b.Property, b.Value); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddClassToEntity(svc *request.Service) http.HandlerFunc {
	type body struct {
		ClassName  string            `json:"class_name"`
		Properties map[string]string `json:"properties"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.AddClassToEntity", "invalid request body: %v", err))
			return
		}
		if err := svc.AddClassToEntity(r.PathValue("name"), b.ClassName, b.Properties); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Search ---

func handleSearch(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fuzzy := q.Get("fuzzy") == "true"
		limit := 20
		if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
			limit = l
		}
		writeJSON(w, http.StatusOK, svc.SearchKeyword(q.Get("q"), fuzzy, limit))
	}
}

func handleGetNodeDetail(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.GetNodeDetail(r.PathValue("id")))
	}
}

// --- Database file management ---

func handleListDatabases(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := svc.ListDatabaseFiles()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
	}
}

func handleCreateDatabase(svc *request.Service) http.HandlerFunc {
	type body struct {
		Name string `json:"name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.CreateDatabase", "invalid request body: %v", err))
			return
		}
		path, err := svc.CreateDatabase(b.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"path": path})
	}
}

func handleSaveDatabase(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := svc.SaveDatabase(r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	}
}

func handleLoadDatabase(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.LoadDatabase(r.PathValue("name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteDatabase(svc *request.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteDatabase(r.PathValue("name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRenameDatabase(svc *request.Service) http.HandlerFunc {
	type body struct {
		NewName string `json:"new_name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, kgerr.InvalidArgumentf("http.RenameDatabase", "invalid request body: %v", err))
			return
		}
		if err := svc.RenameDatabase(r.PathValue("name"), b.NewName); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Progress event streaming ---

var sseBroker = struct {
	mu          sync.Mutex
	subscribers map[chan pipeline.ProgressEvent]struct{}
}{subscribers: make(map[chan pipeline.ProgressEvent]struct{})}

// broadcastToSSE fans a pipeline progress event out to every connected
// /api/events client. Passed to [pipeline.Options.OnProgress].
func broadcastToSSE(ev pipeline.ProgressEvent) {
	sseBroker.mu.Lock()
	defer sseBroker.mu.Unlock()
	for ch := range sseBroker.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// handleEvents streams progress events to the client as Server-Sent Events
// until the request context is cancelled.
func handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan pipeline.ProgressEvent, 16)
	sseBroker.mu.Lock()
	sseBroker.subscribers[ch] = struct{}{}
	sseBroker.mu.Unlock()
	defer func() {
		sseBroker.mu.Lock()
		delete(sseBroker.subscribers, ch)
		sseBroker.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case kgerr.Is(err, kgerr.NotFound):
		status = http.StatusNotFound
	case kgerr.Is(err, kgerr.InvalidArgument):
		status = http.StatusBadRequest
	case kgerr.Is(err, kgerr.Conflict):
		status = http.StatusConflict
	case kgerr.Is(err, kgerr.Cancelled):
		status = http.StatusConflict
	case kgerr.Is(err, kgerr.IO), kgerr.Is(err, kgerr.Upstream), kgerr.Is(err, kgerr.Parse), kgerr.Is(err, kgerr.Internal):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
