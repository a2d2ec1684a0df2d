package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/breeze/internal/audit"
	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/go-pdf/fpdf"
	"github.com/rs/zerolog/log"
)

const auditExportLimit = 10000

func auditFilterFrom(r *http.Request) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		OrgID:        q.Get("orgId"),
		ActorID:      q.Get("actorId"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resourceType"),
	}
	if raw := q.Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Since = &t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Until = &t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			f.Limit = n
		}
	}
	return f
}

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	entries, err := s.recorder.List(r.Context(), ac.OrgScope(), auditFilterFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleExportAuditLogs streams the filtered log as CSV or PDF. Exports cap
// at 10k entries; narrower filters get the rest.
func (s *Server) handleExportAuditLogs(w http.ResponseWriter, r *http.Request) {
	ac := mustAuth(r)
	filter := auditFilterFrom(r)
	if filter.Limit == 0 || filter.Limit > auditExportLimit {
		filter.Limit = auditExportLimit
	}
	entries, err := s.recorder.List(r.Context(), ac.OrgScope(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "pdf":
		s.exportAuditPDF(w, entries)
	case "csv", "":
		s.exportAuditCSV(w, entries)
	default:
		writeError(w, r, httperr.Validation("unknown export format", map[string]string{"format": "csv or pdf"}))
	}
}

func (s *Server) exportAuditCSV(w http.ResponseWriter, entries []audit.Entry) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-log.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "timestamp", "orgId", "actorType", "actorId", "actorEmail",
		"action", "resourceType", "resourceId", "result", "ip"})
	for _, e := range entries {
		orgID, resourceID := "", ""
		if e.OrgID != nil {
			orgID = *e.OrgID
		}
		if e.ResourceID != nil {
			resourceID = *e.ResourceID
		}
		_ = cw.Write([]string{
			e.ID, e.Timestamp.Format(time.RFC3339), orgID, string(e.ActorType), e.ActorID,
			e.ActorEmail, e.Action, e.ResourceType, resourceID, string(e.Result), e.IP,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Warn().Err(err).Msg("Audit CSV export write failed")
	}
}

func (s *Server) exportAuditPDF(w http.ResponseWriter, entries []audit.Entry) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 10, "Audit Log Export")
	pdf.Ln(12)

	widths := []float64{36, 22, 40, 45, 30, 45, 18, 25}
	headers := []string{"Timestamp", "Actor", "Actor ID", "Action", "Resource", "Resource ID", "Result", "IP"}
	pdf.SetFont("Helvetica", "B", 8)
	pdf.SetFillColor(30, 58, 95)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 7)
	pdf.SetTextColor(44, 62, 80)
	for n, e := range entries {
		fill := n%2 == 1
		pdf.SetFillColor(241, 245, 249)
		resourceID := ""
		if e.ResourceID != nil {
			resourceID = *e.ResourceID
		}
		cells := []string{
			e.Timestamp.Format("2006-01-02 15:04:05"),
			string(e.ActorType),
			e.ActorID,
			e.Action,
			e.ResourceType,
			resourceID,
			string(e.Result),
			e.IP,
		}
		for i, c := range cells {
			pdf.CellFormat(widths[i], 6, c, "1", 0, "L", fill, 0, "")
		}
		pdf.Ln(-1)
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-log.pdf"`)
	if err := pdf.Output(w); err != nil {
		log.Warn().Err(err).Msg("Audit PDF export write failed")
	}
}
