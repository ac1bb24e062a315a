package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/danshapiro/foresta/internal/storage"
	"github.com/danshapiro/foresta/internal/world"
)

// validRunID matches ULIDs and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

const (
	defaultJournalLimit = 20
	maxJournalLimit     = 365
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"cycles": len(s.registry.List()),
	}
	if s.config.Store != nil {
		if wd, err := s.config.Store.GetWorld(r.Context()); err == nil {
			body["day"] = wd.Day
			body["paused"] = wd.Paused
		} else {
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// requireSecret admits requests carrying "Authorization: Bearer <secret>".
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Secret == "" {
			writeError(w, http.StatusServiceUnavailable, "trigger secret is not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.config.Secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	cr, err := s.StartCycle("http")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: cr.RunID, Status: "accepted"})
		return
	}

	select {
	case <-cr.Done():
	case <-r.Context().Done():
		return
	}
	res, err := cr.Result()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "cycle failed to start", Details: err.Error()})
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	runs := s.registry.List()
	out := make([]CycleStatus, 0, len(runs))
	for _, cr := range runs {
		st := cr.Status()
		st.Result = nil
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*CycleRun, bool) {
	runID := r.PathValue("id")
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run id must be alphanumeric with dashes/underscores, 1-128 chars")
		return nil, false
	}
	cr, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("cycle run %s not found", runID))
		return nil, false
	}
	return cr, true
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	if cr, ok := s.lookupRun(w, r); ok {
		writeJSON(w, http.StatusOK, cr.Status())
	}
}

func (s *Server) handleCycleEvents(w http.ResponseWriter, r *http.Request) {
	if cr, ok := s.lookupRun(w, r); ok {
		WriteSSE(w, r, cr.Broadcaster)
	}
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.config.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no world store configured")
		return false
	}
	return true
}

func (s *Server) handleGetWorld(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	wd, err := s.config.Store.GetWorld(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) handleSetPaused(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireStore(w) {
			return
		}
		if err := s.config.Store.SetPaused(r.Context(), paused); err != nil {
			writeStoreError(w, err)
			return
		}
		s.logger.Printf("world paused=%t", paused)
		wd, err := s.config.Store.GetWorld(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wd)
	}
}

// characterView is an inhabitant as seen from outside: destinies stay hidden.
type characterView struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Traits         []string             `json:"traits"`
	Location       string               `json:"location"`
	Age            int                  `json:"age"`
	InConversation bool                 `json:"in_conversation"`
	Relationships  []world.Relationship `json:"relationships"`
	LastAction     *world.ActionResult  `json:"last_action,omitempty"`
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	chars, err := s.config.Store.ListLivingCharacters(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]characterView, 0, len(chars))
	for _, c := range chars {
		out = append(out, characterView{
			ID:             c.ID,
			Name:           c.Name,
			Traits:         c.Traits,
			Location:       c.Location,
			Age:            c.Age,
			InConversation: c.InConversation,
			Relationships:  c.Relationships,
			LastAction:     c.LastAction,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxJournalLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", maxJournalLimit))
			return
		}
		limit = n
	}
	entries, err := s.config.Store.ListJournal(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []world.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	day, err := strconv.Atoi(r.PathValue("day"))
	if err != nil || day < 1 {
		writeError(w, http.StatusBadRequest, "day must be a positive integer")
		return
	}
	entry, err := s.config.Store.GetJournal(r.Context(), day)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "storage error", Details: err.Error()})
}
