package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"

	"chartbot/internal/automation"
	logx "chartbot/pkg/logx"
)

const maxBody = 64 << 10

// ScheduleStore is the schedule management the API needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *automation.Schedule) error
	GetSchedule(ctx context.Context, id string) (*automation.Schedule, error)
	UpdateSchedule(ctx context.Context, s *automation.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, userID string) ([]automation.Schedule, error)
	ListJobLogs(ctx context.Context, scheduleID string, limit int) ([]automation.JobLog, error)
}

// Runner is the scheduler surface exposed to operators.
type Runner interface {
	TriggerAll(ctx context.Context) (automation.TickReport, error)
	Snapshot() automation.SchedulerSnapshot
}

type handlers struct {
	store  ScheduleStore
	runner Runner
	log    logx.Logger
}

// NewRouter builds the API routes. runner may be nil, which disables trigger and status.
func NewRouter(store ScheduleStore, runner Runner, jwtSecret string, log logx.Logger) *mux.Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{store: store, runner: runner, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/automation").Subrouter()
	api.Use(authMiddleware(jwtSecret))
	api.HandleFunc("/schedules", h.listSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules", h.createSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}", h.getSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", h.updateSchedule).Methods(http.MethodPatch)
	api.HandleFunc("/schedules/{id}", h.deleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/logs", h.listLogs).Methods(http.MethodGet)
	api.HandleFunc("/trigger", h.trigger).Methods(http.MethodPost)
	api.HandleFunc("/status", h.status).Methods(http.MethodGet)
	return r
}

// scheduleInput carries create and patch bodies. Nil fields are left unchanged.
type scheduleInput struct {
	UserID             *string `json:"user_id"`
	Name               *string `json:"name"`
	TargetRef          *string `json:"target_ref"`
	Enabled            *bool   `json:"enabled"`
	Frequency          *string `json:"frequency"`
	SendToTelegram     *bool   `json:"send_to_telegram"`
	OnlyOnSignalChange *bool   `json:"only_on_signal_change"`
	MinConfidence      *int    `json:"min_confidence"`
	SendOnHold         *bool   `json:"send_on_hold"`
	// TelegramChatID set to "" clears the schedule's own chat.
	TelegramChatID *string `json:"telegram_chat_id"`
}

func (in scheduleInput) apply(s *automation.Schedule) error {
	if in.Name != nil {
		s.Name = strings.TrimSpace(*in.Name)
	}
	if in.TargetRef != nil {
		s.TargetRef = strings.TrimSpace(*in.TargetRef)
	}
	if in.Enabled != nil {
		s.Enabled = *in.Enabled
	}
	if in.Frequency != nil {
		f, err := automation.ParseFrequency(*in.Frequency)
		if err != nil {
			return err
		}
		s.Frequency = f
	}
	if in.SendToTelegram != nil {
		s.SendToTelegram = *in.SendToTelegram
	}
	if in.OnlyOnSignalChange != nil {
		s.OnlyOnSignalChange = *in.OnlyOnSignalChange
	}
	if in.MinConfidence != nil {
		s.MinConfidence = *in.MinConfidence
	}
	if in.SendOnHold != nil {
		s.SendOnHold = *in.SendOnHold
	}
	if in.TelegramChatID != nil {
		if chat := strings.TrimSpace(*in.TelegramChatID); chat == "" {
			s.TelegramChatID = nil
		} else {
			s.TelegramChatID = &chat
		}
	}
	return nil
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	scope := p.scope()
	if p.admin {
		scope = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	list, err := h.store.ListSchedules(r.Context(), scope)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []automation.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s := automation.Schedule{Enabled: true, Frequency: automation.Every1h, SendOnHold: true}
	if err := in.apply(&s); err != nil {
		h.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	switch {
	case !p.admin:
		s.UserID = p.userID
	case in.UserID != nil:
		s.UserID = strings.TrimSpace(*in.UserID)
	}
	if err := h.store.CreateSchedule(r.Context(), &s); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("schedule created", logx.String("schedule", s.ID), logx.String("user", s.UserID))
	writeJSON(w, http.StatusCreated, s)
}

// load fetches the schedule and hides other users' schedules as not found.
func (h *handlers) load(w http.ResponseWriter, r *http.Request) (*automation.Schedule, bool) {
	s, err := h.store.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err == nil && !principalFrom(r.Context()).owns(s.UserID) {
		err = automation.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return s, true
}

func (h *handlers) getSchedule(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.load(w, r); ok {
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *handlers) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleInput
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.UserID != nil {
		writeError(w, http.StatusBadRequest, "user_id cannot be changed")
		return
	}
	s, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := in.apply(s); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.UpdateSchedule(r.Context(), s); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	s, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteSchedule(r.Context(), s.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("schedule deleted", logx.String("schedule", s.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	s, ok := h.load(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	logs, err := h.store.ListJobLogs(r.Context(), s.ID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []automation.JobLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r.Context()).admin {
		writeError(w, http.StatusForbidden, "trigger requires an admin token")
		return
	}
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	rep, err := h.runner.TriggerAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("trigger-all requested", logx.Int("enqueued", rep.Enqueued), logx.Int("overlapping", rep.Overlapping))
	writeJSON(w, http.StatusAccepted, rep)
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, h.runner.Snapshot())
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, automation.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, automation.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("api request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeStrict(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if len(body) > maxBody {
		return errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid json")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
