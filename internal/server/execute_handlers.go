package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/chain"
	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/failure"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/profile"
)

type executeRequest struct {
	ToolID            string `json:"tool_id,omitempty"`
	ForceMethodFamily string `json:"force_method_family,omitempty"`
	ForceReinstall    bool   `json:"force_reinstall,omitempty"`

	// Plan, when set, is executed as-is instead of re-resolving.
	Plan *plan.InstallPlan `json:"plan,omitempty"`

	// SudoSecret is consumed here and never stored, logged or audited.
	SudoSecret string `json:"sudo_secret,omitempty"`
}

// streamEvent is one wire line. Most events are the executor's own; the
// terminal done event is enriched with the outcome, and on failure with
// the remediation offer and escalation chain state.
type streamEvent struct {
	execute.Event

	OK          *bool                `json:"ok,omitempty"`
	PlanID      string               `json:"plan_id,omitempty"`
	Remediation *failure.Remediation `json:"remediation,omitempty"`
	Chain       *chain.Chain         `json:"chain,omitempty"`
}

// chainContext carries the escalation state a run was started under: the
// chain being extended and the option whose execution this run is.
type chainContext struct {
	chainID  string
	optionID string
}

// handleExecute resolves (or accepts) a plan, submits it to the pool,
// and streams the run's events as one JSON object per line until the
// terminal done event.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	prof := s.deps.Profiles.Current(r.Context())

	p := req.Plan
	if p == nil {
		if req.ToolID == "" {
			respondError(w, http.StatusBadRequest, "tool_id or plan is required")
			return
		}
		resolved, err := s.deps.Resolver.Resolve(r.Context(), req.ToolID, &prof, plan.Options{
			ForceMethodFamily: req.ForceMethodFamily,
			ForceReinstall:    req.ForceReinstall,
		})
		if err != nil {
			s.respondResolveError(w, err)
			return
		}
		p = resolved
	}

	s.startExecution(w, r, &prof, p, req.SudoSecret, chainContext{})
}

// startExecution validates sudo requirements, submits the plan, and
// streams it. Shared by plan execution and remediation execution.
func (s *Server) startExecution(w http.ResponseWriter, r *http.Request, prof *profile.SystemProfile, p *plan.InstallPlan, sudoSecret string, cc chainContext) {
	if p.AlreadyInstalled {
		respondJSON(w, http.StatusOK, map[string]any{
			"already_installed": true,
			"tool_id":           p.ToolID,
		})
		return
	}
	if p.NeedsSudoOverall && sudoSecret == "" && !prof.Capabilities.PasswordlessSudo && !prof.Capabilities.IsRoot {
		respondError(w, http.StatusBadRequest, "plan requires sudo; supply sudo_secret")
		return
	}

	run, err := s.deps.Pool.Submit(r.Context(), execute.Request{
		Plan:             p,
		SudoSecret:       sudoSecret,
		PasswordlessSudo: prof.Capabilities.PasswordlessSudo,
	})
	if errors.Is(err, execute.ErrQueueFull) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueueRejections.Inc()
		}
		respondError(w, http.StatusServiceUnavailable, "executor is saturated, try again shortly")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveExecutions.Inc()
		defer s.deps.Metrics.ActiveExecutions.Dec()
	}
	s.deps.Audit.Log(audit.Record{
		Kind:    audit.KindExecutionStarted,
		ToolID:  p.ToolID,
		PlanID:  p.PlanID,
		RunID:   run.ID,
		ChainID: cc.chainID,
	})

	s.streamRun(w, r, run, p, prof, cc)
}

// streamRun writes run events line by line, flushing each. The done
// event is held back and emitted enriched once the result is known. A
// client disconnect stops the writes but never the run.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *execute.Run, p *plan.InstallPlan, prof *profile.SystemProfile, cc chainContext) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Run-ID", run.ID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	clientGone := r.Context().Done()
	disconnected := false

	var done *execute.Event
	for ev := range run.Events() {
		if ev.Type == execute.EventDone {
			ev := ev
			done = &ev
			continue // enriched and written after the result lands
		}
		if disconnected {
			continue // drain so the executor never blocks
		}
		select {
		case <-clientGone:
			disconnected = true
			s.logger.Debug("stream client disconnected", "run_id", run.ID)
			continue
		default:
		}
		if err := enc.Encode(ev); err != nil {
			disconnected = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	res := run.Result()
	if res == nil || done == nil {
		return
	}

	terminal := s.finishRun(r, p, prof, *done, *res, cc)
	if !disconnected {
		if err := enc.Encode(terminal); err == nil && flusher != nil {
			flusher.Flush()
		}
	}
}

// finishRun builds the enriched terminal event and records the outcome:
// metrics, audit, remediation planning, and chain bookkeeping.
func (s *Server) finishRun(r *http.Request, p *plan.InstallPlan, prof *profile.SystemProfile, done execute.Event, res execute.Result, cc chainContext) streamEvent {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Executions.WithLabelValues(res.Status).Inc()
	}

	ok := res.Status == execute.ResultSuccess
	terminal := streamEvent{Event: done, OK: &ok, PlanID: p.PlanID}

	if ok && cc.chainID != "" {
		s.resolveChainIfOriginalGoal(cc.chainID, res.ToolID)
	}

	if res.Failure != nil {
		details, _ := json.Marshal(res.Failure)
		s.deps.Audit.Log(audit.Record{
			Kind:    audit.KindStepFailed,
			ToolID:  res.ToolID,
			PlanID:  res.PlanID,
			RunID:   res.RunID,
			Details: details,
		})

		rem, c := s.remediate(r, prof, res, cc)
		terminal.Remediation = rem
		terminal.Chain = &c
	}

	s.deps.Audit.Log(audit.Record{
		Kind:    audit.KindExecutionFinished,
		ToolID:  res.ToolID,
		PlanID:  res.PlanID,
		RunID:   res.RunID,
		ChainID: cc.chainID,
		Result:  res.Status,
	})
	return terminal
}

// remediate classifies the failure, evaluates options, and links the
// failure into its escalation chain (extending cc's chain when set).
func (s *Server) remediate(r *http.Request, prof *profile.SystemProfile, res execute.Result, cc chainContext) (*failure.Remediation, chain.Chain) {
	rec, err := s.deps.Registry.Lookup(res.Failure.ToolID)
	if err != nil {
		rec = nil // infra handlers still apply
	}

	match := s.deps.Matcher.Match(rec, res.Failure)
	if s.deps.Metrics != nil {
		s.deps.Metrics.HandlerMatches.WithLabelValues(match.Layer).Inc()
	}

	rem := s.deps.Planner.Plan(r.Context(), match, prof)

	var c chain.Chain
	extended := false
	if cc.chainID != "" {
		c, extended = s.deps.Chains.Extend(cc.chainID, cc.optionID, res.Failure.ToolID, rem.FailureID)
	}
	if !extended {
		c = s.deps.Chains.Begin(res.Failure.ToolID, rem.FailureID)
	}

	if c.LoopDetected {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ChainLoops.Inc()
		}
		failure.DegradeForLoop(rem)
	}

	details, _ := json.Marshal(map[string]any{
		"matched_layer": rem.MatchedLayer,
		"options":       len(rem.Options),
		"loop_detected": c.LoopDetected,
	})
	s.deps.Audit.Log(audit.Record{
		Kind:      audit.KindRemediationOffered,
		ToolID:    res.Failure.ToolID,
		RunID:     res.RunID,
		ChainID:   c.ID,
		FailureID: rem.FailureID,
		Details:   details,
	})

	return rem, c
}

// resolveChainIfOriginalGoal ends the chain when the run that succeeded
// was for the tool the chain started on.
func (s *Server) resolveChainIfOriginalGoal(chainID, toolID string) {
	c, ok := s.deps.Chains.Get(chainID)
	if !ok || len(c.Breadcrumbs) == 0 {
		return
	}
	if c.Breadcrumbs[0].ToolID == toolID {
		s.deps.Chains.Resolve(chainID)
	}
}

// handleRunStatus serves the state of a known run. Finished runs stay
// resolvable for the terminal retention window, so a reconnecting
// client can still learn the outcome it missed.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, ok := s.deps.Pool.Lookup(runID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown run")
		return
	}

	resp := map[string]any{
		"run_id":  run.ID,
		"tool_id": run.ToolID,
		"state":   run.State(),
	}
	if res := run.Result(); res != nil {
		resp["result"] = res
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, ok := s.deps.Pool.Lookup(runID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown run")
		return
	}
	run.Cancel()
	respondJSON(w, http.StatusAccepted, map[string]any{
		"run_id":    runID,
		"cancelled": true,
	})
}

type remediateRequest struct {
	ToolID    string `json:"tool_id"`
	FailureID string `json:"failure_id"`
	OptionID  string `json:"option_id"`
	ChainID   string `json:"chain_id,omitempty"`

	// SudoSecret is consumed here and never stored, logged or audited.
	SudoSecret string `json:"sudo_secret,omitempty"`
}

// handleRemediate executes a chosen remediation option: it maps the
// option to a plan, links the run to the escalation chain, and streams
// execution events exactly like a plain plan execution.
func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req remediateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ToolID == "" || req.FailureID == "" || req.OptionID == "" {
		respondError(w, http.StatusBadRequest, "tool_id, failure_id and option_id are required")
		return
	}

	rec, err := s.deps.Registry.Lookup(req.ToolID)
	if err != nil {
		rec = nil // infra failure options don't need the recipe
	}
	opt, err := s.deps.Matcher.Option(rec, req.FailureID, req.OptionID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	s.deps.Audit.Log(audit.Record{
		Kind:      audit.KindRemediationChosen,
		ToolID:    req.ToolID,
		ChainID:   req.ChainID,
		FailureID: req.FailureID,
		OptionID:  req.OptionID,
	})

	target, opts, err := failure.OptionTarget(opt, req.ToolID)
	if errors.Is(err, failure.ErrManualOption) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       "option has no executable plan",
			"option_id":   opt.ID,
			"description": opt.Description,
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	prof := s.deps.Profiles.Current(r.Context())
	p, err := s.deps.Resolver.Resolve(r.Context(), target, &prof, opts)
	if err != nil {
		s.respondResolveError(w, err)
		return
	}

	s.startExecution(w, r, &prof, p, req.SudoSecret, chainContext{
		chainID:  req.ChainID,
		optionID: req.OptionID,
	})
}
