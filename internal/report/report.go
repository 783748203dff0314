package report

import (
	"fmt"
	"io"
	"time"

	"github.com/t77yq/servermon/internal/analysis"
	"github.com/t77yq/servermon/internal/model"
)

// Header identifies what a report covers
type Header struct {
	Title       string    `json:"title"`
	Template    string    `json:"template,omitempty"`
	ServerName  string    `json:"server_name"`
	IPAddress   string    `json:"ip_address"`
	OS          string    `json:"operating_system"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Report is the data behind one rendered document. Which fields are set depends on Kind.
type Report struct {
	Kind   model.ReportKind `json:"kind"`
	Header Header           `json:"header"`

	Summary analysis.Summary        `json:"summary"`
	Points  []model.AggregatedPoint `json:"points,omitempty"`
	Peaks   []model.AggregatedPoint `json:"peaks,omitempty"`

	TopProcesses  []model.ProcessData     `json:"top_processes,omitempty"`
	HighUsage     []model.Snapshot        `json:"high_usage,omitempty"`
	ProcessAlerts []analysis.ProcessAlert `json:"process_alerts,omitempty"`

	Alerts []*model.Alert `json:"alerts,omitempty"`
}

// Input is everything a report is assembled from
type Input struct {
	Server   *model.ServerDetails
	Template *model.ReportTemplate
	Start    time.Time
	End      time.Time
	Metrics  []model.Snapshot
	Alerts   []*model.Alert
}

// Builder assembles reports
type Builder struct {
	bucketWidth time.Duration
	now         func() time.Time
}

// NewBuilder creates a builder bucketing chart data in bucketWidth windows
func NewBuilder(bucketWidth time.Duration) *Builder {
	if bucketWidth <= 0 {
		bucketWidth = analysis.DefaultBucketWidth
	}
	return &Builder{bucketWidth: bucketWidth, now: time.Now}
}

// Build assembles a report of the given kind.
// Summary and process reports need metrics; alert reports need alerts.
func (b *Builder) Build(kind model.ReportKind, in Input) (*Report, error) {
	r := &Report{
		Kind: kind,
		Header: Header{
			ServerName:  in.Server.Name,
			IPAddress:   in.Server.IPAddress,
			OS:          in.Server.OperatingSystem,
			Location:    in.Server.Location,
			Start:       in.Start,
			End:         in.End,
			GeneratedAt: b.now().UTC(),
		},
	}
	if in.Template != nil {
		r.Header.Template = in.Template.Name
	}

	switch kind {
	case model.ReportSummary:
		if len(in.Metrics) == 0 {
			return nil, ErrNoData
		}
		r.Header.Title = "Server Summary Report"
		r.Summary = analysis.Summarize(in.Metrics)
		r.Points = analysis.Bucket(in.Metrics, b.bucketWidth)
		r.Peaks, _ = analysis.TopPeaks(r.Points, analysis.MetricCPU, analysis.TopN)
		r.TopProcesses = analysis.TopProcesses(in.Metrics[len(in.Metrics)-1].Processes, analysis.TopN)

	case model.ReportProcess:
		if len(in.Metrics) == 0 {
			return nil, ErrNoData
		}
		r.Header.Title = "Process Report"
		r.Summary = analysis.Summarize(in.Metrics)
		r.Points = analysis.Bucket(in.Metrics, b.bucketWidth)
		r.TopProcesses = analysis.TopProcesses(in.Metrics[len(in.Metrics)-1].Processes, analysis.TopN)
		r.HighUsage = analysis.HighUsage(in.Metrics)
		r.ProcessAlerts = analysis.ProcessAlerts(in.Metrics)

	case model.ReportAlert:
		if len(in.Alerts) == 0 {
			return nil, ErrNoData
		}
		r.Header.Title = "Alert Report"
		r.Alerts = in.Alerts
		if len(in.Metrics) > 0 {
			r.Summary = analysis.Summarize(in.Metrics)
			r.Points = analysis.Bucket(in.Metrics, b.bucketWidth)
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return r, nil
}

// ContentType returns the MIME type of a format
func ContentType(format model.ReportFormat) string {
	if format == model.FormatPNG {
		return "image/png"
	}
	return "application/pdf"
}

// Filename names the exported file of a report
func Filename(r *Report, format model.ReportFormat) string {
	return fmt.Sprintf("%s-report-%s.%s", r.Kind, r.Header.GeneratedAt.Format("20060102-150405"), format)
}

// Render writes r in the given format
func Render(w io.Writer, r *Report, format model.ReportFormat) error {
	switch format {
	case model.FormatPDF:
		return RenderPDF(w, r)
	case model.FormatPNG:
		return RenderPNG(w, r)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}
