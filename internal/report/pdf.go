package report

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"

	"github.com/t77yq/servermon/internal/model"
)

const (
	pageMargin  = 15.0
	rowHeight   = 7.0
	chartHeight = 60.0
	timeLayout  = "2006-01-02 15:04"
)

type rgb struct{ r, g, b int }

var (
	cpuColor    = rgb{33, 150, 243}
	memoryColor = rgb{76, 175, 80}
	diskColor   = rgb{255, 152, 0}
	headerFill  = rgb{230, 236, 245}
)

type pdfWriter struct {
	pdf   *fpdf.Fpdf
	tr    func(string) string
	width float64
}

// RenderPDF writes r as an A4 PDF document
func RenderPDF(w io.Writer, r *Report) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(r.Header.Title, false)
	pdf.SetCreationDate(r.Header.GeneratedAt)
	pdf.AddPage()

	pw, _ := pdf.GetPageSize()
	p := &pdfWriter{
		pdf:   pdf,
		tr:    pdf.UnicodeTranslatorFromDescriptor(""),
		width: pw - 2*pageMargin,
	}

	p.header(r)
	switch r.Kind {
	case model.ReportSummary:
		p.summary(r)
		p.chart(r.Points)
		p.peaks(r.Peaks)
		p.processes("Top Processes", r.TopProcesses)
	case model.ReportProcess:
		p.summary(r)
		p.processes("Top Processes", r.TopProcesses)
		p.highUsage(r.HighUsage)
		p.processAlerts(r)
	case model.ReportAlert:
		p.alerts(r.Alerts)
		if len(r.Points) > 0 {
			p.chart(r.Points)
		}
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to write pdf: %w", err)
	}
	return nil
}

func (p *pdfWriter) header(r *Report) {
	p.pdf.SetFont("Helvetica", "B", 18)
	p.pdf.CellFormat(p.width, 10, p.tr(r.Header.Title), "", 1, "L", false, 0, "")
	if r.Header.Template != "" {
		p.pdf.SetFont("Helvetica", "I", 10)
		p.pdf.CellFormat(p.width, 6, p.tr("Template: "+r.Header.Template), "", 1, "L", false, 0, "")
	}

	p.pdf.SetFont("Helvetica", "", 10)
	lines := []string{
		fmt.Sprintf("Server: %s (%s)", r.Header.ServerName, r.Header.IPAddress),
		fmt.Sprintf("Operating system: %s", r.Header.OS),
	}
	if r.Header.Location != "" {
		lines = append(lines, "Location: "+r.Header.Location)
	}
	lines = append(lines,
		fmt.Sprintf("Period: %s - %s", r.Header.Start.Format(timeLayout), r.Header.End.Format(timeLayout)),
		fmt.Sprintf("Generated: %s UTC", r.Header.GeneratedAt.Format(timeLayout)))
	for _, line := range lines {
		p.pdf.CellFormat(p.width, 5, p.tr(line), "", 1, "L", false, 0, "")
	}
	p.pdf.Ln(4)
}

func (p *pdfWriter) section(title string) {
	p.pdf.Ln(3)
	p.pdf.SetFont("Helvetica", "B", 13)
	p.pdf.CellFormat(p.width, 8, p.tr(title), "", 1, "L", false, 0, "")
}

// table draws a header row and body rows with equal column widths
func (p *pdfWriter) table(headers []string, rows [][]string) {
	colWidth := p.width / float64(len(headers))

	p.pdf.SetFont("Helvetica", "B", 9)
	p.pdf.SetFillColor(headerFill.r, headerFill.g, headerFill.b)
	for _, h := range headers {
		p.pdf.CellFormat(colWidth, rowHeight, p.tr(h), "1", 0, "C", true, 0, "")
	}
	p.pdf.Ln(-1)

	p.pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		for i, cell := range row {
			align := "R"
			if i == 0 {
				align = "L"
			}
			p.pdf.CellFormat(colWidth, rowHeight, p.tr(cell), "1", 0, align, false, 0, "")
		}
		p.pdf.Ln(-1)
	}
}

func (p *pdfWriter) summary(r *Report) {
	s := r.Summary
	p.section("Summary")
	p.table([]string{"Metric", "Average", "Peak"}, [][]string{
		{"CPU usage", percent(s.AvgCPU), peakValue(s.PeakCPU, func(x *model.Snapshot) float64 { return x.CPUUsage })},
		{"Memory usage", percent(s.AvgMemory), peakValue(s.PeakMemory, func(x *model.Snapshot) float64 { return x.MemoryUsage })},
		{"Disk usage", percent(s.AvgDisk), peakValue(s.PeakDisk, func(x *model.Snapshot) float64 { return x.DiskUsage })},
		{"Bytes sent", fmt.Sprintf("%.0f", s.AvgBytesSent), fmt.Sprintf("total %d", s.TotalBytesSent)},
		{"Bytes received", fmt.Sprintf("%.0f", s.AvgBytesRecv), fmt.Sprintf("total %d", s.TotalBytesRecv)},
	})
	p.pdf.SetFont("Helvetica", "I", 8)
	p.pdf.CellFormat(p.width, 5, fmt.Sprintf("%d samples", s.Samples), "", 1, "R", false, 0, "")
}

func (p *pdfWriter) peaks(points []model.AggregatedPoint) {
	if len(points) == 0 {
		return
	}
	p.section("Peak Usage")
	rows := make([][]string, 0, len(points))
	for _, pt := range points {
		rows = append(rows, []string{pt.Time, percent(pt.CPUUsage), percent(pt.MemoryUsage), percent(pt.DiskUsage)})
	}
	p.table([]string{"Time", "CPU", "Memory", "Disk"}, rows)
}

func (p *pdfWriter) processes(title string, processes []model.ProcessData) {
	if len(processes) == 0 {
		return
	}
	p.section(title)
	rows := make([][]string, 0, len(processes))
	for _, proc := range processes {
		rows = append(rows, []string{
			proc.Name,
			fmt.Sprintf("%d", proc.PID),
			percent(proc.CPUUsage),
			percent(proc.MemoryUsage),
		})
	}
	p.table([]string{"Process", "PID", "CPU", "Memory"}, rows)
}

func (p *pdfWriter) highUsage(snapshots []model.Snapshot) {
	p.section("High Usage Periods")
	if len(snapshots) == 0 {
		p.note("No period crossed the high-usage limits.")
		return
	}
	rows := make([][]string, 0, len(snapshots))
	for i := range snapshots {
		s := &snapshots[i]
		rows = append(rows, []string{s.At().Format(model.AgentTimeLayout), percent(s.CPUUsage), percent(s.MemoryUsage)})
	}
	p.table([]string{"Time", "CPU", "Memory"}, rows)
}

func (p *pdfWriter) processAlerts(r *Report) {
	p.section("Process Alerts")
	if len(r.ProcessAlerts) == 0 {
		p.note("No process crossed the per-process limits.")
		return
	}
	rows := make([][]string, 0, len(r.ProcessAlerts))
	for _, a := range r.ProcessAlerts {
		rows = append(rows, []string{
			a.At.Format(model.AgentTimeLayout),
			a.Process.Name,
			percent(a.Process.CPUUsage),
			percent(a.Process.MemoryUsage),
		})
	}
	p.table([]string{"Time", "Process", "CPU", "Memory"}, rows)
}

func (p *pdfWriter) alerts(alerts []*model.Alert) {
	p.section(fmt.Sprintf("Alerts (%d)", len(alerts)))
	for _, a := range alerts {
		p.pdf.SetFont("Helvetica", "B", 10)
		p.pdf.CellFormat(p.width, 6, p.tr(fmt.Sprintf("%s  %s  %s",
			a.Timestamp.Format(model.AgentTimeLayout), a.Severity, a.Status)), "", 1, "L", false, 0, "")
		p.pdf.SetFont("Helvetica", "", 9)
		p.pdf.MultiCell(p.width, 5, p.tr(a.Description), "", "L", false)
		detail := fmt.Sprintf("Type: %s   Entity: %s", a.Type, a.AffectedEntity)
		if a.AssignedTo != "" {
			detail += "   Assigned to: " + a.AssignedTo
		}
		if a.Snapshot != nil {
			detail += fmt.Sprintf("   CPU %s  Memory %s  Disk %s",
				percent(a.Snapshot.CPUUsage), percent(a.Snapshot.MemoryUsage), percent(a.Snapshot.DiskUsage))
		}
		p.pdf.CellFormat(p.width, 5, p.tr(detail), "", 1, "L", false, 0, "")
		p.pdf.Ln(2)
	}
}

// chart draws CPU, memory and disk usage as polylines on a 0-100 scale
func (p *pdfWriter) chart(points []model.AggregatedPoint) {
	p.section("Usage Over Time")
	if len(points) < 2 {
		p.note("Not enough data points for a chart.")
		return
	}

	x0 := pageMargin
	y0 := p.pdf.GetY() + 2
	if y0+chartHeight > 297-pageMargin {
		p.pdf.AddPage()
		y0 = p.pdf.GetY()
	}

	p.pdf.SetDrawColor(180, 180, 180)
	p.pdf.SetLineWidth(0.2)
	p.pdf.Rect(x0, y0, p.width, chartHeight, "D")
	for _, level := range []float64{25, 50, 75} {
		y := y0 + chartHeight*(1-level/100)
		p.pdf.Line(x0, y, x0+p.width, y)
	}

	step := p.width / float64(len(points)-1)
	series := []struct {
		color rgb
		value func(*model.AggregatedPoint) float64
	}{
		{cpuColor, func(pt *model.AggregatedPoint) float64 { return pt.CPUUsage }},
		{memoryColor, func(pt *model.AggregatedPoint) float64 { return pt.MemoryUsage }},
		{diskColor, func(pt *model.AggregatedPoint) float64 { return pt.DiskUsage }},
	}

	p.pdf.SetLineWidth(0.5)
	for _, s := range series {
		p.pdf.SetDrawColor(s.color.r, s.color.g, s.color.b)
		for i := 1; i < len(points); i++ {
			ya := y0 + chartHeight*(1-clampPercent(s.value(&points[i-1]))/100)
			yb := y0 + chartHeight*(1-clampPercent(s.value(&points[i]))/100)
			p.pdf.Line(x0+step*float64(i-1), ya, x0+step*float64(i), yb)
		}
	}

	p.pdf.SetXY(x0, y0+chartHeight+2)
	p.pdf.SetFont("Helvetica", "", 8)
	p.pdf.CellFormat(p.width/2, 5, points[0].Time, "", 0, "L", false, 0, "")
	p.pdf.CellFormat(p.width/2, 5, points[len(points)-1].Time, "", 1, "R", false, 0, "")

	for _, legend := range []struct {
		color rgb
		label string
	}{{cpuColor, "CPU"}, {memoryColor, "Memory"}, {diskColor, "Disk"}} {
		p.pdf.SetFillColor(legend.color.r, legend.color.g, legend.color.b)
		p.pdf.Rect(p.pdf.GetX(), p.pdf.GetY()+1.5, 3, 3, "F")
		p.pdf.SetX(p.pdf.GetX() + 4)
		p.pdf.CellFormat(20, 6, legend.label, "", 0, "L", false, 0, "")
	}
	p.pdf.Ln(8)
	p.pdf.SetDrawColor(0, 0, 0)
}

func (p *pdfWriter) note(text string) {
	p.pdf.SetFont("Helvetica", "I", 9)
	p.pdf.CellFormat(p.width, 6, p.tr(text), "", 1, "L", false, 0, "")
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}

func peakValue(s *model.Snapshot, value func(*model.Snapshot) float64) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%s at %s", percent(value(s)), s.At().Format(timeLayout))
}

func clampPercent(v float64) float64 {
	return max(0, min(100, v))
}
