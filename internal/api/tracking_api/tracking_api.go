package tracking_api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/orderhub/tracksync/internal/integrations/carrier"
	"github.com/orderhub/tracksync/internal/models"
	"github.com/orderhub/tracksync/internal/services/scheduler"
	"github.com/orderhub/tracksync/internal/services/tracker"
	"github.com/orderhub/tracksync/internal/storage/pgorders"
)

type TrackerService interface {
	RefreshOrder(ctx context.Context, slipID uint64) (tracker.Result, error)
	RefreshByOrderID(ctx context.Context, orderID string) (tracker.Result, error)
	RefreshAllPending(ctx context.Context) (tracker.Summary, error)
	RegisterTracking(ctx context.Context, slipID uint64) (tracker.ImportResult, error)
}

type SchedulerService interface {
	Start(ctx context.Context, intervalMinutes int, force bool) (*models.Schedule, bool, error)
	Stop(ctx context.Context) (int64, error)
	Status(ctx context.Context) ([]scheduler.ScheduleStatus, error)
	RunNow() string
}

type SettingsStore interface {
	SaveTrackingAPIKey(ctx context.Context, key string) error
}

type ActivityLog interface {
	AddUserActivity(ctx context.Context, userName, action string) error
}

// TrackingAPI отдаёт JSON в формате старого дашборда: фронт продолжает
// ходить на те же ручки с теми же телами ответов.
type TrackingAPI struct {
	tracker   TrackerService
	scheduler SchedulerService
	settings  SettingsStore
	activity  ActivityLog
}

func New(t TrackerService, s SchedulerService, st SettingsStore, a ActivityLog) *TrackingAPI {
	return &TrackingAPI{tracker: t, scheduler: s, settings: st, activity: a}
}

func (a *TrackingAPI) Routes(r chi.Router) {
	r.Post("/api/tracking/scheduler", a.handleScheduler)
	r.Post("/api/tracking/update", a.handleUpdate)
	r.Post("/api/tracking/import", a.handleImport)
	r.Post("/api/packing-slips/{packingSlipID}/fetch-tracking-status", a.handleFetchStatus)
	r.Post("/api/settings/tracking", a.handleSaveSettings)
}

func (a *TrackingAPI) handleScheduler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string `json:"action"`
		Interval any    `json:"interval"`
		Force    bool   `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "Action is required (start, stop, status, or run_now)")
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "start":
		interval, err := intervalMinutes(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid interval: "+err.Error())
			return
		}
		sc, created, err := a.scheduler.Start(ctx, interval, req.Force)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		msg := "Schedule already exists"
		if created {
			msg = fmt.Sprintf("Scheduled tracking updates every %d minutes", interval)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"message":     msg,
			"schedule_id": sc.ID,
		})

	case "stop":
		n, err := a.scheduler.Stop(ctx)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("Cancelled %d schedule(s)", n),
		})

	case "status":
		scs, err := a.scheduler.Status(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(scs) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"active":  false,
				"message": "Scheduler is not active",
			})
			return
		}
		infos := make([]map[string]any, 0, len(scs))
		for _, sc := range scs {
			var repeats any = sc.Repeats
			if sc.Repeats == models.RepeatsForever {
				repeats = "Indefinitely"
			}
			infos = append(infos, map[string]any{
				"id":               sc.ID,
				"name":             sc.Name,
				"interval_minutes": sc.IntervalMinutes,
				"next_run":         sc.NextRun,
				"repeats":          repeats,
				"task_count":       sc.TaskCount,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"active":    true,
			"schedules": infos,
		})

	case "run_now":
		taskID := a.scheduler.RunNow()
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Immediate tracking update triggered",
			"task_id": taskID,
		})

	default:
		writeError(w, http.StatusBadRequest, "Invalid action. Must be: start, stop, status, or run_now")
	}
}

func (a *TrackingAPI) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID       string `json:"order_id"`
		PackingSlipID any    `json:"packing_slip_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx := r.Context()
	slipID, present, valid := slipIDFromBody(req.PackingSlipID)
	if !valid {
		writeError(w, http.StatusBadRequest, "Invalid packing_slip_id")
		return
	}

	if present {
		res, err := a.tracker.RefreshOrder(ctx, slipID)
		// Результат по одному заказу всегда уходит со статусом 200,
		// success внутри тела.
		writeJSON(w, http.StatusOK, singleResultBody(res, err, slipID))
		return
	}

	if req.OrderID != "" {
		res, err := a.tracker.RefreshByOrderID(ctx, req.OrderID)
		if errors.Is(err, pgorders.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Order %s not found", req.OrderID))
			return
		}
		writeJSON(w, http.StatusOK, singleResultBody(res, err, res.SlipID))
		return
	}

	sum, err := a.tracker.RefreshAllPending(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if sum.TotalOrders == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"total_orders": 0,
			"message":      "No pending orders to update",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"total_orders": sum.TotalOrders,
		"updated":      sum.Updated,
		"skipped":      sum.Skipped,
		"failed":       sum.Failed,
		"delivered":    sum.Delivered,
		"errors":       sum.Errors,
		"results":      resultBodies(sum.Results),
		"message":      fmt.Sprintf("Processed %d tracking update tasks", sum.TotalOrders),
	})
}

func (a *TrackingAPI) handleFetchStatus(w http.ResponseWriter, r *http.Request) {
	slipID, err := strconv.ParseUint(chi.URLParam(r, "packingSlipID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Packing slip not found")
		return
	}

	ctx := r.Context()
	res, err := a.tracker.RefreshOrder(ctx, slipID)
	if err != nil {
		switch {
		case errors.Is(err, pgorders.ErrNotFound):
			writeError(w, http.StatusNotFound, "Packing slip not found")
		case errors.Is(err, tracker.ErrNoTrackingIDs):
			writeError(w, http.StatusBadRequest, "No tracking IDs found for this packing slip")
		case errors.Is(err, tracker.ErrNoTrackingVendor):
			writeError(w, http.StatusBadRequest, "No tracking vendor specified for this packing slip")
		case errors.Is(err, tracker.ErrNoValidNumbers):
			writeError(w, http.StatusBadRequest, "No valid tracking numbers found")
		case carrier.KindOf(err) == carrier.FailConfigMissing:
			writeError(w, http.StatusBadRequest, "Track123 API key is not configured. Please add it in integration settings.")
		case carrier.KindOf(err) == carrier.FailStorage:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("An error occurred while fetching tracking status: %v", err))
		default:
			a.logActivity(ctx, userName(r), fmt.Sprintf("failed to fetch tracking status for order %s: %v", res.OrderID, err))
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if !res.Skipped {
		a.logActivity(ctx, userName(r), fmt.Sprintf("fetched and updated tracking status for order %s: %s", res.OrderID, res.NewStatus))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Tracking status updated successfully",
		"tracking_status": res.NewStatus,
	})
}

func (a *TrackingAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackingSlipID any `json:"packing_slip_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	slipID, present, valid := slipIDFromBody(req.PackingSlipID)
	if !valid || !present {
		writeError(w, http.StatusBadRequest, "Invalid packing_slip_id")
		return
	}

	ctx := r.Context()
	imp, err := a.tracker.RegisterTracking(ctx, slipID)
	if errors.Is(err, pgorders.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("PackingSlip with id %d not found", slipID))
		return
	}
	if err != nil {
		a.logActivity(ctx, userName(r), fmt.Sprintf("failed to import tracking numbers to Track123 for order %s: %v", imp.OrderID, err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.logActivity(ctx, userName(r), fmt.Sprintf("imported %d tracking number(s) to Track123 for order %s", imp.Count, imp.OrderID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"tracking_count": imp.Count,
	})
}

func (a *TrackingAPI) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	ctx := r.Context()
	if err := a.settings.SaveTrackingAPIKey(ctx, req.APIKey); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.logActivity(ctx, userName(r), "updated tracking integration settings")
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": "Tracking settings saved successfully",
	})
}

// singleResultBody собирает JSON ручного обновления одного заказа.
// Ошибки валидации переводятся в те же тексты, что показывал дашборд.
func singleResultBody(res tracker.Result, err error, slipID uint64) map[string]any {
	if err == nil {
		if res.Skipped {
			return map[string]any{
				"success":  true,
				"skipped":  true,
				"order_id": res.OrderID,
				"message":  "Already delivered",
			}
		}
		return map[string]any{
			"success":         true,
			"order_id":        res.OrderID,
			"tracking_number": res.TrackingNumber,
			"old_status":      res.OldStatus,
			"new_status":      res.NewStatus,
			"is_delivered":    res.Delivered,
		}
	}

	body := map[string]any{"success": false}
	if res.OrderID != "" {
		body["order_id"] = res.OrderID
	}
	if res.TrackingNumber != "" {
		body["tracking_number"] = res.TrackingNumber
	}
	switch {
	case errors.Is(err, pgorders.ErrNotFound):
		body["error"] = fmt.Sprintf("PackingSlip with id %d not found", slipID)
	case errors.Is(err, tracker.ErrNoTrackingIDs), errors.Is(err, tracker.ErrNoTrackingVendor):
		body["error"] = "No tracking information available"
	case errors.Is(err, tracker.ErrNoValidNumbers):
		body["error"] = "No valid tracking IDs"
	case carrier.KindOf(err) == carrier.FailConfigMissing:
		body["error"] = "No Track123 API key configured"
	default:
		body["error"] = err.Error()
	}
	return body
}

func resultBodies(results []tracker.Result) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, singleResultBody(res, res.Err, res.SlipID))
	}
	return out
}

// intervalMinutes принимает интервал как число или строку, по примеру
// старого API, где поле приходило и так и так.
func intervalMinutes(v any) (int, error) {
	n := models.DefaultScheduleIntervalMinutes
	switch x := v.(type) {
	case nil:
	case float64:
		n = int(x)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, errors.New("must be an integer")
		}
		n = parsed
	default:
		return 0, errors.New("must be an integer")
	}
	if n < 1 {
		return 0, errors.New("Interval must be at least 1 minute")
	}
	return n, nil
}

// slipIDFromBody разбирает packing_slip_id из тела запроса. Ноль и пустая
// строка считаются отсутствием значения, как falsy в старом бэкенде.
func slipIDFromBody(v any) (id uint64, present, valid bool) {
	switch x := v.(type) {
	case nil:
		return 0, false, true
	case float64:
		if x == 0 {
			return 0, false, true
		}
		if x < 0 {
			return 0, true, false
		}
		return uint64(x), true, true
	case string:
		if x == "" {
			return 0, false, true
		}
		n, err := strconv.ParseUint(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, true, false
		}
		return n, true, true
	default:
		return 0, true, false
	}
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func userName(r *http.Request) string {
	if u := r.Header.Get("X-User"); u != "" {
		return u
	}
	return "system"
}

func (a *TrackingAPI) logActivity(ctx context.Context, user, action string) {
	if a.activity == nil {
		return
	}
	if err := a.activity.AddUserActivity(ctx, user, action); err != nil {
		slog.Warn("add user activity", "user", user, "error", err.Error())
	}
}


