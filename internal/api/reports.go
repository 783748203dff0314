package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/auth"
	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/report"
)

type reportRequest struct {
	ServerID   string             `json:"server_id" validate:"required"`
	StartTime  string             `json:"start_time" validate:"required"`
	EndTime    string             `json:"end_time" validate:"required"`
	Format     model.ReportFormat `json:"format" validate:"omitempty,oneof=pdf png"`
	TemplateID string             `json:"template_id"`
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := a.cfg.Store.ListReportTemplates(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if templates == nil {
		templates = []*model.ReportTemplate{}
	}
	respondJSON(w, http.StatusOK, templates)
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl model.ReportTemplate
	if err := a.decode(w, r, &tmpl); err != nil {
		a.respondError(w, r, err)
		return
	}
	tmpl.ID = ""
	tmpl.CreatedBy = auth.GetUserFromContext(r.Context()).ID
	tmpl.LastGenerated = nil

	if err := a.cfg.Store.CreateReportTemplate(r.Context(), &tmpl); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tmpl)
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := a.cfg.Store.GetReportTemplate(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

func (a *API) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	existing, err := a.cfg.Store.GetReportTemplate(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	var tmpl model.ReportTemplate
	if err := a.decode(w, r, &tmpl); err != nil {
		a.respondError(w, r, err)
		return
	}
	tmpl.ID = existing.ID
	tmpl.CreatedBy = existing.CreatedBy
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.LastGenerated = existing.LastGenerated

	if err := a.cfg.Store.UpdateReportTemplate(r.Context(), &tmpl); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Store.SoftDeleteReportTemplate(r.Context(), pathID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReport renders a summary, process or alert report for one server and time range
func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := model.ReportKind(mux.Vars(r)["kind"])
	switch kind {
	case model.ReportSummary, model.ReportProcess, model.ReportAlert:
	default:
		a.respondError(w, r, fmt.Errorf("%w: %q", report.ErrUnknownKind, kind))
		return
	}

	var req reportRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if req.Format == "" {
		req.Format = model.FormatPDF
	}
	start, end, err := parseRange(req.StartTime, req.EndTime)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	server, err := a.cfg.Store.GetServer(ctx, req.ServerID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	in := report.Input{Server: server, Start: start, End: end}

	if req.TemplateID != "" {
		if in.Template, err = a.cfg.Store.GetReportTemplate(ctx, req.TemplateID); err != nil {
			a.respondError(w, r, err)
			return
		}
	}

	metrics, err := a.fetchRange(r, server, start, end)
	if err != nil {
		if kind != model.ReportAlert {
			a.respondError(w, r, err)
			return
		}
		// alert reports still render without a chart
		a.logger.Warn("Alert report without metrics",
			zap.String("server_id", server.ID),
			zap.Error(err))
	}
	in.Metrics = metrics

	if kind == model.ReportAlert {
		if in.Alerts, err = a.alertsBetween(r, server.ID, start, end); err != nil {
			a.respondError(w, r, err)
			return
		}
	}

	rep, err := a.cfg.Reports.Build(kind, in)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, rep, req.Format); err != nil {
		a.respondError(w, r, err)
		return
	}

	if in.Template != nil {
		if err := a.cfg.Store.MarkReportGenerated(ctx, in.Template.ID, time.Now().UTC()); err != nil {
			a.logger.Error("Failed to mark report generated",
				zap.String("template_id", in.Template.ID),
				zap.Error(err))
		}
	}

	a.logger.Info("Report generated",
		zap.String("kind", string(kind)),
		zap.String("format", string(req.Format)),
		zap.String("server_id", server.ID),
		zap.Int("bytes", buf.Len()))

	w.Header().Set("Content-Type", report.ContentType(req.Format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(rep, req.Format)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// alertsBetween returns the server's alerts raised within [start, end]
func (a *API) alertsBetween(r *http.Request, serverID string, start, end time.Time) ([]*model.Alert, error) {
	alerts, err := a.cfg.Store.ListAlerts(r.Context(), model.AlertFilter{ServerID: serverID})
	if err != nil {
		return nil, err
	}
	var out []*model.Alert
	for _, alert := range alerts {
		if alert.Timestamp.Before(start) || alert.Timestamp.After(end) {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}
