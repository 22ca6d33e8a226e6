package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/server"
	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

// DefaultHistoryLimit is used when a history request names no limit.
const DefaultHistoryLimit = 50

type healthResponse struct {
	Status  string              `json:"status"`
	Uptime  string              `json:"uptime"`
	Servers map[server.State]int `json:"servers"`
	Pool    *browser.PoolStats  `json:"pool,omitempty"`
}

type poolResponse struct {
	Stats    browser.PoolStats     `json:"stats"`
	Sessions []browser.SessionInfo `json:"sessions"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Uptime:  time.Since(a.started).Round(time.Second).String(),
		Servers: make(map[server.State]int),
	}
	for _, rec := range a.registry.List() {
		resp.Servers[rec.State]++
	}
	if a.pool != nil {
		stats := a.pool.Stats()
		resp.Pool = &stats
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePool(w http.ResponseWriter, _ *http.Request) {
	if a.pool == nil {
		a.writeError(w, types.Errorf(types.KindNotFound, "no browser pool configured"))
		return
	}
	a.writeJSON(w, http.StatusOK, poolResponse{Stats: a.pool.Stats(), Sessions: a.pool.Sessions()})
}

func (a *API) handleListServers(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.registry.List())
}

// handleCreateServer registers a definition. A definition with a name but
// no id gets an id derived from the name. ?start=true starts it right away.
func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var def definition.Server
	if err := decode(w, r, &def); err != nil {
		a.writeError(w, err)
		return
	}
	if def.ID == "" && def.Name != "" {
		def.ID = definition.Slug(def.Name)
	}

	rec, err := a.registry.Create(r.Context(), def)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if start, _ := strconv.ParseBool(r.URL.Query().Get("start")); start {
		if rec, err = a.registry.Start(r.Context(), rec.ID); err != nil {
			a.writeError(w, err)
			return
		}
	}
	a.writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	rec, err := a.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	// A running server is drained first; a client hanging up must not cut
	// the drain short.
	ctx := context.WithoutCancel(r.Context())
	if err := a.registry.Delete(ctx, mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, func() (server.Record, error) {
		return a.registry.Start(r.Context(), mux.Vars(r)["id"])
	})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	a.lifecycle(w, func() (server.Record, error) {
		return a.registry.Stop(ctx, mux.Vars(r)["id"])
	})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, func() (server.Record, error) {
		return a.registry.Reset(mux.Vars(r)["id"])
	})
}

func (a *API) lifecycle(w http.ResponseWriter, op func() (server.Record, error)) {
	rec, err := op()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	list, err := a.router.ListTools(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, list)
}

func (a *API) handleAddTool(w http.ResponseWriter, r *http.Request) {
	var def tool.Definition
	if err := decode(w, r, &def); err != nil {
		a.writeError(w, err)
		return
	}
	added, err := a.registry.AddTool(r.Context(), mux.Vars(r)["id"], def)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, added)
}

func (a *API) handleReplaceTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var def tool.Definition
	if err := decode(w, r, &def); err != nil {
		a.writeError(w, err)
		return
	}
	if def.Name == "" {
		def.Name = vars["name"]
	}
	if def.Name != vars["name"] {
		a.writeError(w, types.Errorf(types.KindValidation, "tool name %q does not match path %q", def.Name, vars["name"]))
		return
	}
	replaced, err := a.registry.ReplaceTool(r.Context(), vars["id"], def)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, replaced)
}

func (a *API) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.registry.RemoveTool(r.Context(), vars["id"], vars["name"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, types.Errorf(types.KindValidation, "limit must be a non-negative integer, got %q", raw))
			return
		}
		limit = n
	}
	recs, err := a.registry.History(mux.Vars(r)["id"], limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, recs)
}

func (a *API) handleExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := a.registry.Execution(vars["id"], vars["execution"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

// handleDispatch answers with a protocol response even when the request
// cannot be decoded. Tool failures are reported in the body with status 200.
func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decode(w, r, &req); err != nil {
		typed := types.AsError(err)
		a.writeJSON(w, statusFor(typed.Kind), dispatch.Response{Error: typed})
		return
	}
	a.writeJSON(w, http.StatusOK, a.router.Dispatch(r.Context(), req))
}
