package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hooplab/courtedge/pkg/admission"
	"github.com/hooplab/courtedge/pkg/agents"
	"github.com/hooplab/courtedge/pkg/analysis"
	"github.com/hooplab/courtedge/pkg/odds"
	"github.com/hooplab/courtedge/pkg/workflow"
)

// Input bounds; anything past them is rejected before any work starts.
const (
	maxParamLen     = 64
	maxTeamsPerRun  = 10
	maxResultLimit  = 100
	defaultLimit    = 50
	maxLoginBodyLen = 4 << 10
)

// --- Auth handlers ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" || len(req.Username) > maxParamLen {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	if err := s.users.VerifyCredentials(req.Username, req.Password); err != nil {
		s.recordAuthError("credentials")
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	pair, err := s.tokens.IssuePair(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	pair, err := s.tokens.Refresh(req.RefreshToken)
	if err != nil {
		if errors.Is(err, admission.ErrTokenRevoked) {
			s.recordAuthError("revoked")
			writeError(w, http.StatusUnauthorized, "refresh token revoked")
			return
		}
		s.recordAuthError("invalid")
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	if err := s.tokens.Revoke(req.Token); err != nil {
		writeError(w, http.StatusBadRequest, "token unparseable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- Run handlers ---

type startRunRequest struct {
	GameDate string   `json:"game_date,omitempty"`
	Teams    []string `json:"teams,omitempty"`

	// Presentation preferences, stored on the run and used as the
	// defaults for opportunity reads against it.
	MinEV      *float64 `json:"min_ev,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

func (r startRunRequest) presentation() workflow.Presentation {
	p := workflow.Presentation{
		Confidence: r.Confidence,
		Limit:      r.Limit,
	}
	if r.MinEV != nil {
		d := decimal.NewFromFloat(*r.MinEV)
		p.MinEV = &d
	}
	return p
}

type startRunResponse struct {
	RunID   string          `json:"run_id"`
	Status  workflow.Status `json:"status"`
	Message string          `json:"message"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	// An empty body means "analyze tonight's slate".
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := validateRunRequest(&req); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	run := s.orchestrator.Start(r.Context(), agents.Request{
		GameDate: req.GameDate,
		Teams:    req.Teams,
	}, req.presentation())

	writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:   run.ID,
		Status:  run.Status,
		Message: "analysis started; subscribe to /ws/analysis/" + run.ID + " for progress",
	})
}

func validateRunRequest(req *startRunRequest) (string, bool) {
	if req.GameDate != "" {
		if len(req.GameDate) > maxParamLen {
			return "game_date too long", false
		}
		if _, err := time.Parse("2006-01-02", req.GameDate); err != nil {
			return "game_date must be YYYY-MM-DD", false
		}
	}
	if len(req.Teams) > maxTeamsPerRun {
		return "too many teams", false
	}
	for _, team := range req.Teams {
		if team == "" || len(team) > maxParamLen {
			return "invalid team name", false
		}
	}
	if req.Confidence != "" && !validConfidence(req.Confidence) {
		return "confidence must be low, medium, or high", false
	}
	if req.Limit < 0 || req.Limit > maxResultLimit {
		return "limit out of range", false
	}
	return "", true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	if id == "" || len(id) > maxParamLen {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}

	run, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.registry.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed runs yet")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Opportunities ---

type opportunitiesResponse struct {
	RunID         string                 `json:"run_id"`
	Count         int                    `json:"count"`
	Opportunities []analysis.Opportunity `json:"opportunities"`
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, name := range []string{"run_id", "min_ev", "confidence", "team", "market", "limit"} {
		if len(q.Get(name)) > maxParamLen {
			writeError(w, http.StatusBadRequest, name+" too long")
			return
		}
	}

	var run workflow.Run
	var ok bool
	if id := q.Get("run_id"); id != "" {
		run, ok = s.registry.Get(id)
	} else {
		run, ok = s.registry.Latest()
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	filter, msg, valid := parseOpportunityFilter(q, run.Presentation)
	if !valid {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	out := make([]analysis.Opportunity, 0, len(run.Opportunities))
	for _, opp := range run.Opportunities {
		if filter.matches(opp) {
			out = append(out, opp)
			if len(out) >= filter.limit {
				break
			}
		}
	}

	writeJSON(w, http.StatusOK, opportunitiesResponse{
		RunID:         run.ID,
		Count:         len(out),
		Opportunities: out,
	})
}

type opportunityFilter struct {
	minEV      *decimal.Decimal
	confidence string
	team       string
	market     string
	limit      int
}

// parseOpportunityFilter builds the filter from the query, starting from
// the preferences stored on the run at trigger time. Explicit query params
// win over stored preferences.
func parseOpportunityFilter(q map[string][]string, pres workflow.Presentation) (opportunityFilter, string, bool) {
	get := func(name string) string {
		if vs := q[name]; len(vs) > 0 {
			return vs[0]
		}
		return ""
	}

	f := opportunityFilter{
		minEV:      pres.MinEV,
		confidence: pres.Confidence,
		limit:      defaultLimit,
	}
	if pres.Limit > 0 {
		f.limit = pres.Limit
	}

	if raw := get("min_ev"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return f, "min_ev must be a number", false
		}
		f.minEV = &d
	}
	if c := get("confidence"); c != "" {
		if !validConfidence(c) {
			return f, "confidence must be low, medium, or high", false
		}
		f.confidence = c
	}
	f.team = get("team")
	if m := get("market"); m != "" {
		if !odds.MarketKey(m).IsValid() {
			return f, "unknown market", false
		}
		f.market = m
	}
	if raw := get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, "limit must be a positive integer", false
		}
		if n > maxResultLimit {
			n = maxResultLimit
		}
		f.limit = n
	}
	return f, "", true
}

func (f opportunityFilter) matches(opp analysis.Opportunity) bool {
	if f.minEV != nil && opp.EVPct.LessThan(*f.minEV) {
		return false
	}
	if f.confidence != "" && opp.Confidence != f.confidence {
		return false
	}
	if f.market != "" && string(opp.Market) != f.market {
		return false
	}
	if f.team != "" && !opportunityInvolves(opp, f.team) {
		return false
	}
	return true
}

// opportunityInvolves matches the team filter against the outcome and both
// sides of the matchup, tolerating nicknames and abbreviations.
func opportunityInvolves(opp analysis.Opportunity, team string) bool {
	if odds.TeamMatches(opp.Outcome, []string{team}) {
		return true
	}
	for _, side := range strings.Split(opp.Matchup, " @ ") {
		if odds.TeamMatches(side, []string{team}) {
			return true
		}
	}
	return false
}

func validConfidence(c string) bool {
	switch c {
	case analysis.ConfidenceLow, analysis.ConfidenceMedium, analysis.ConfidenceHigh:
		return true
	}
	return false
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxLoginBodyLen))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
