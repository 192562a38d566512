package webui

import (
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
)

// handleQRImage renders the pending pairing QR as a PNG. 404 when no pairing
// is in progress so the dashboard can distinguish "no QR" from a render error.
func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	code := s.transport.LastQR()
	if code == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no QR code pending"})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 512)
	if err != nil {
		s.logger.Error("QR render failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render QR"})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// handleQRRefresh restarts the pairing flow after a QR timeout.
func (s *Server) handleQRRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if err := s.transport.RequestNewQR(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
