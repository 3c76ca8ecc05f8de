package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"campaigner/internal/domain"
	"campaigner/internal/service"
)

type API struct {
	Svc *service.CampaignService

	// ExposeDetails renders provider failure text on targets. Development only.
	ExposeDetails bool
}

type listResponse struct {
	Campaigns  []*domain.Campaign `json:"campaigns"`
	Pagination domain.Page        `json:"pagination"`
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}", a.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/v1/campaigns/{id}", a.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/campaigns/{id}/start", a.lifecycle(a.Svc.Start)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/pause", a.lifecycle(a.Svc.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/resume", a.lifecycle(a.Svc.Resume)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/cancel", a.lifecycle(a.Svc.Cancel)).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/analytics", a.handleAnalytics).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}/targets/{targetId}/report", a.handleReport).Methods(http.MethodPost)
	r.HandleFunc("/t/{id}/{targetId}", a.handleTrack).Methods(http.MethodGet)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	c, err := a.Svc.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(c))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ListFilter{
		OrganizationID: q.Get("organizationId"),
		Status:         domain.CampaignStatus(q.Get("status")),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, r, domain.NewValidationError("page", "must be a number"))
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, domain.NewValidationError("limit", "must be a number"))
		return
	}

	items, page, err := a.Svc.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := listResponse{Campaigns: make([]*domain.Campaign, 0, len(items)), Pagination: page}
	for _, c := range items {
		out.Campaigns = append(out.Campaigns, a.view(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := a.Svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(c))
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	c, err := a.Svc.Update(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(c))
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	an, err := a.Svc.Analytics(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := a.Svc.RecordEngagement(r.Context(), vars["id"], vars["targetId"], domain.TargetReported)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, ok := c.Target(vars["targetId"])
	if !ok {
		writeError(w, r, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.target(*t))
}

// handleTrack is the tracking redirect behind {link}. The click is best
// effort; the recipient is redirected either way.
func (a *API) handleTrack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := a.Svc.Get(r.Context(), vars["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if c.LandingPageURL == "" {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	if c.TrackingEnabled {
		if _, err := a.Svc.RecordEngagement(r.Context(), c.ID, vars["targetId"], domain.TargetClicked); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Error("record click failed", "err", err, "campaign_id", c.ID, "target_id", vars["targetId"])
		}
	}
	http.Redirect(w, r, c.LandingPageURL, http.StatusFound)
}

func (a *API) lifecycle(op func(ctx context.Context, id string) (*domain.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a.view(c))
	}
}

// view strips provider failure text outside development.
func (a *API) view(c *domain.Campaign) *domain.Campaign {
	if a.ExposeDetails {
		return c
	}
	out := c.Clone()
	for i := range out.Targets {
		out.Targets[i].FailureDetail = ""
	}
	return out
}

func (a *API) target(t domain.Target) domain.Target {
	if !a.ExposeDetails {
		t.FailureDetail = ""
	}
	return t
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
