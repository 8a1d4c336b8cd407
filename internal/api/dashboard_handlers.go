package api

import "net/http"

func (s *Server) handleUserDashboard(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Dashboards.UserDashboard(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, view)
}

// handleGetCertificate serves the certificate projection, as JSON by
// default or as a rendered page with ?format=html.
func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.deps.Dashboards.Certificate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if cert == nil {
		writeError(w, s.log, http.StatusNotFound, codeNotFound, "certificate not found", nil)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := s.deps.Dashboards.RenderCertificateHTML(w, cert); err != nil {
			s.log.Error().Err(err).Str("certificate_id", cert.ID).Msg("Certificate render failed")
		}
		return
	}
	writeJSON(w, s.log, http.StatusOK, cert)
}
