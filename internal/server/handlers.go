package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/devcache"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemProfile(w http.ResponseWriter, r *http.Request) {
	prof := s.deps.Profiles.Current(r.Context())
	respondJSON(w, http.StatusOK, prof)
}

type installPlanRequest struct {
	ToolID            string `json:"tool_id"`
	ForceMethodFamily string `json:"force_method_family,omitempty"`
	ForceReinstall    bool   `json:"force_reinstall,omitempty"`
}

func (s *Server) handleInstallPlan(w http.ResponseWriter, r *http.Request) {
	var req installPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ToolID == "" {
		respondError(w, http.StatusBadRequest, "tool_id is required")
		return
	}

	prof := s.deps.Profiles.Current(r.Context())
	p, err := s.deps.Resolver.Resolve(r.Context(), req.ToolID, &prof, plan.Options{
		ForceMethodFamily: req.ForceMethodFamily,
		ForceReinstall:    req.ForceReinstall,
	})
	if err != nil {
		s.respondResolveError(w, err)
		return
	}

	s.deps.Audit.Log(audit.Record{
		Kind:   audit.KindPlanResolved,
		ToolID: req.ToolID,
		PlanID: p.PlanID,
	})
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) respondResolveError(w http.ResponseWriter, err error) {
	var notFound *recipe.NotFoundError
	var noMethod *plan.NoViableMethodError
	var cycle *plan.CycleError
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &noMethod):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "no viable install method",
			"tool_id": noMethod.ToolID,
			"reasons": noMethod.Reasons,
		})
	case errors.As(err, &cycle):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type checkDepsRequest struct {
	ToolID string `json:"tool_id"`
}

// handleCheckDeps reports which of a tool's declared dependencies are
// already present, probed with each dependency's verify command. The
// engine tracks tools, not raw distro packages; distro package state
// belongs to the resolver's system-package probe and is not re-exposed
// here.
func (s *Server) handleCheckDeps(w http.ResponseWriter, r *http.Request) {
	var req checkDepsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := s.deps.Registry.Lookup(req.ToolID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	installed := []string{}
	missing := []string{}
	for _, depID := range rec.Deps {
		dep, err := s.deps.Registry.Lookup(depID)
		if err != nil {
			continue
		}
		if s.toolInstalled(r.Context(), dep) {
			installed = append(installed, dep.ID)
		} else {
			missing = append(missing, dep.ID)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"installed": installed,
		"missing":   missing,
	})
}

type toolStatus struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Available bool   `json:"available"`
}

func (s *Server) handleToolsStatus(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Registry.AllIDs()
	statuses := make([]toolStatus, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		rec, err := s.deps.Registry.Lookup(id)
		if err != nil {
			continue
		}
		statuses[i] = toolStatus{ID: rec.ID, Label: rec.Label}
		wg.Add(1)
		go func(i int, rec *recipe.Recipe) {
			defer wg.Done()
			statuses[i].Available = s.toolInstalled(r.Context(), rec)
		}(i, rec)
	}
	wg.Wait()

	available := 0
	for _, st := range statuses {
		if st.Available {
			available++
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tools":         statuses,
		"available":     available,
		"missing_count": len(statuses) - available,
	})
}

func (s *Server) toolInstalled(ctx context.Context, rec *recipe.Recipe) bool {
	if s.deps.Runner == nil || len(rec.Verify) == 0 {
		return false
	}
	_, code, err := s.deps.Runner.Run(ctx, rec.Verify[0], rec.Verify[1:]...)
	return err == nil && code == 0
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	card := mux.Vars(r)["card"]
	payload, status := s.deps.Cache.Get(card)

	if s.deps.Metrics != nil {
		s.deps.Metrics.CacheLookups.WithLabelValues(status).Inc()
	}

	if status == devcache.StatusMiss {
		respondError(w, http.StatusNotFound, "no cached value for "+card)
		return
	}

	entry, _ := s.deps.Cache.Peek(card)
	respondJSON(w, http.StatusOK, map[string]any{
		"value":       payload,
		"captured_at": entry.ComputedAt,
		"generation":  entry.Generation,
		"stale":       status == devcache.StatusStale,
	})
}

type cacheBustRequest struct {
	Card string `json:"card,omitempty"`
}

func (s *Server) handleCacheBust(w http.ResponseWriter, r *http.Request) {
	var req cacheBustRequest
	if !decodeBody(w, r, &req) {
		return
	}

	genBefore := s.deps.Cache.Generation()
	if req.Card != "" {
		s.deps.Cache.Invalidate(req.Card)
	} else {
		s.deps.Cache.Bust()
	}

	details, _ := json.Marshal(map[string]any{
		"generation_before": genBefore,
		"generation_after":  s.deps.Cache.Generation(),
	})
	s.deps.Audit.Log(audit.Record{Kind: audit.KindCacheBust, Card: req.Card, Details: details})
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"generation": s.deps.Cache.Generation(),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Kind:   q.Get("kind"),
		ToolID: q.Get("tool"),
		Card:   q.Get("card"),
		Query:  q.Get("q"),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	page, err := s.deps.Audit.ScanPage(filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}
