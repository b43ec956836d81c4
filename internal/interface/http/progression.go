package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stillpoint/progression/config"
	"github.com/stillpoint/progression/internal/application/engine"
	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESPONSE TYPES
// ══════════════════════════════════════════════════════════════════════════════

type incrementRequest struct {
	Amount int `json:"amount" validate:"gte=0,lte=1000000"`
}

type consistencyRequest struct {
	Streak  int    `json:"streak" validate:"gte=0"`
	BadgeID string `json:"badge_id" validate:"omitempty,max=64"`
}

type xpRequest struct {
	Amount int `json:"amount" validate:"gte=0,lte=1000000"`
}

type activityRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type badgeResponse struct {
	progression.Badge
	NextThreshold int `json:"next_threshold"`
}

type profileResponse struct {
	UserID        string                    `json:"user_id"`
	XP            int                       `json:"xp"`
	Level         int                       `json:"level"`
	XPToNextLevel int                       `json:"xp_to_next_level"`
	UnlockedCount int                       `json:"unlocked_count"`
	Achievements  []progression.Achievement `json:"achievements"`
	Badges        []badgeResponse           `json:"badges"`
}

type streakResponse struct {
	Name           string `json:"name"`
	Count          int    `json:"count"`
	LastActiveDate string `json:"last_active_date,omitempty"`
	Broken         bool   `json:"broken,omitempty"`
	DaysMissed     int    `json:"days_missed,omitempty"`
}

// mutationResponse is returned by every write. Changed is the celebration
// signal of the operation; Celebration names the style to render it with.
type mutationResponse struct {
	Changed     bool                     `json:"changed"`
	XP          int                      `json:"xp"`
	Level       int                      `json:"level"`
	LevelUp     bool                     `json:"level_up,omitempty"`
	Celebration string                   `json:"celebration,omitempty"`
	Achievement *progression.Achievement `json:"achievement,omitempty"`
	Badge       *badgeResponse           `json:"badge,omitempty"`
	Streak      *streakResponse          `json:"streak,omitempty"`
}

func newBadgeResponse(b progression.Badge) badgeResponse {
	return badgeResponse{Badge: b, NextThreshold: b.NextThreshold()}
}

func newProfileResponse(p *progression.Profile) profileResponse {
	resp := profileResponse{
		UserID:        p.UserID.String(),
		XP:            p.XP(),
		Level:         p.Level(),
		XPToNextLevel: p.Character.XPToNextLevel(),
		UnlockedCount: p.UnlockedCount(),
		Achievements:  p.Achievements,
		Badges:        make([]badgeResponse, len(p.Badges)),
	}
	for i, b := range p.Badges {
		resp.Badges[i] = newBadgeResponse(b)
	}
	return resp
}

// ══════════════════════════════════════════════════════════════════════════════
// READ HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth returns aggregated backend health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

// handleCatalog lists achievement and badge templates.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat := s.deps.Manager.Catalog()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"achievements": cat.AchievementTemplates(),
		"badges":       cat.BadgeTemplates(),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, newProfileResponse(engineFrom(r).Snapshot()))
}

func (s *Server) handleGetStreak(w http.ResponseWriter, r *http.Request) {
	name, ok := streakParam(w, r)
	if !ok {
		return
	}
	state := engineFrom(r).Streak(r.Context(), name)
	writeJSON(w, r, http.StatusOK, streakResponse{
		Name:           name.String(),
		Count:          state.Count,
		LastActiveDate: state.LastActiveDate,
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_request", "limit must be 1-500")
			return
		}
		limit = n
	}

	events, err := s.deps.Events.Recent(r.Context(), engineFrom(r).UserID(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("read event journal", logger.Err(err))
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleIncrementAchievement(w http.ResponseWriter, r *http.Request) {
	req := incrementRequest{Amount: 1}
	if err := decodeRequest(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	e := engineFrom(r)
	o := e.ApplyAchievement(r.Context(), chi.URLParam(r, "achievementID"), req.Amount)

	writeJSON(w, r, http.StatusOK, s.mutation(e.UserID(), o))
}

func (s *Server) handleIncrementBadge(w http.ResponseWriter, r *http.Request) {
	req := incrementRequest{Amount: 1}
	if err := decodeRequest(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	e := engineFrom(r)
	o := e.ApplyBadge(r.Context(), chi.URLParam(r, "badgeID"), req.Amount)

	writeJSON(w, r, http.StatusOK, s.mutation(e.UserID(), o))
}

func (s *Server) handleUpdateConsistency(w http.ResponseWriter, r *http.Request) {
	var req consistencyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	e := engineFrom(r)
	o := e.ApplyConsistency(r.Context(), req.BadgeID, req.Streak)

	writeJSON(w, r, http.StatusOK, s.mutation(e.UserID(), o))
}

func (s *Server) handleGrantXP(w http.ResponseWriter, r *http.Request) {
	var req xpRequest
	if err := decodeRequest(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	e := engineFrom(r)
	writeJSON(w, r, http.StatusOK, s.mutation(e.UserID(), e.ApplyXP(r.Context(), req.Amount)))
}

func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	name, ok := streakParam(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if err := decodeRequest(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	today := s.deps.Clock.Now()
	if req.Date != "" {
		t, err := s.deps.Calendar.Parse(req.Date)
		if err != nil {
			writeJSONErrorWithDetails(w, r, http.StatusBadRequest, "invalid_request", "Request is invalid", err.Error())
			return
		}
		today = t
	}

	e := engineFrom(r)
	res, o := e.ApplyActivity(r.Context(), name, today)

	resp := s.mutation(e.UserID(), o)
	resp.Streak = newStreakResponse(name, res, o.Streak)
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	name, ok := streakParam(w, r)
	if !ok {
		return
	}

	e := engineFrom(r)
	res, o := e.ApplyCheckIn(r.Context(), name)

	resp := s.mutation(e.UserID(), o)
	resp.Changed = res.Changed
	resp.Streak = newStreakResponse(name, res.StreakResult, o.Streak)
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleResetStreak(w http.ResponseWriter, r *http.Request) {
	name, ok := streakParam(w, r)
	if !ok {
		return
	}
	engineFrom(r).ResetStreak(r.Context(), name)
	w.WriteHeader(http.StatusNoContent)
}

// handleReset restores a profile to catalog defaults. Streaks are kept.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	e := engineFrom(r)
	if !s.featureEnabled(config.FeatureAdminReset, e.UserID()) {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "Route not found")
		return
	}

	e.ResetAll(r.Context())
	logger.FromContext(r.Context()).Info("profile reset", logger.UserID(e.UserID().String()))

	writeJSON(w, r, http.StatusOK, newProfileResponse(e.Snapshot()))
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// mutation builds the common part of a write response from the operation's
// Outcome. A level-up of the character counts as a change even when the
// operation itself reported none.
func (s *Server) mutation(userID shared.UserID, o engine.Outcome) mutationResponse {
	resp := mutationResponse{
		Changed:     o.Changed,
		XP:          o.XP,
		Level:       o.Level,
		LevelUp:     o.LevelUp(),
		Achievement: o.Achievement,
	}
	if o.Badge != nil {
		br := newBadgeResponse(*o.Badge)
		resp.Badge = &br
	}
	if resp.Changed || resp.LevelUp {
		resp.Celebration = s.celebration(userID)
	}
	return resp
}

func newStreakResponse(name shared.StreakName, res progression.StreakResult, state *progression.StreakState) *streakResponse {
	sr := &streakResponse{
		Name:       name.String(),
		Count:      res.Count,
		Broken:     res.Broken,
		DaysMissed: res.DaysMissed,
	}
	if state != nil {
		sr.LastActiveDate = state.LastActiveDate
	}
	return sr
}

func (s *Server) celebration(userID shared.UserID) string {
	if s.deps.Features == nil {
		return ""
	}
	return s.deps.Features.GetVariant(config.FeatureCelebrations, &config.FeatureContext{UserID: userID.String()})
}

func (s *Server) featureEnabled(name string, userID shared.UserID) bool {
	if s.deps.Features == nil {
		return true
	}
	return s.deps.Features.IsEnabled(name, &config.FeatureContext{UserID: userID.String()})
}

func streakParam(w http.ResponseWriter, r *http.Request) (shared.StreakName, bool) {
	name, err := shared.NewStreakName(chi.URLParam(r, "streak"))
	if err != nil {
		writeDomainError(w, r, err)
		return "", false
	}
	return name, true
}
