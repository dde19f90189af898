package web

import (
	"io"
	"net/http"
	"net/url"

	appLog "homedash/internal/log"
	"homedash/internal/model"
	"homedash/internal/picker"
)

// proxySizeSuffix asks the photo CDN for an image fitting 2000x2000.
const proxySizeSuffix = "=w2000-h2000"

type pickerCreateResponse struct {
	SessionID     string               `json:"sessionId"`
	PickerURI     string               `json:"pickerUri"`
	PollingConfig picker.PollingConfig `json:"pollingConfig"`
}

type pickerStatusResponse struct {
	MediaItemsSet bool                 `json:"mediaItemsSet"`
	PollingConfig picker.PollingConfig `json:"pollingConfig"`
}

type pickerItemsResponse struct {
	Photos []model.SelectedPhoto `json:"photos"`
	Count  int                   `json:"count"`
}

type photosResponse struct {
	Photos []model.SelectedPhoto `json:"photos"`
}

func (s *Server) handlePickerCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Picker.Create(r.Context())
	if err != nil {
		fail(w, "Failed to create picker session", err)
		return
	}
	writeJSON(w, http.StatusOK, pickerCreateResponse{
		SessionID:     sess.SessionID,
		PickerURI:     sess.PickerURI,
		PollingConfig: sess.PollingConfig,
	})
}

func (s *Server) handlePickerStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	st, err := s.deps.Picker.Status(r.Context(), sessionID)
	if err != nil {
		fail(w, "Failed to get session status", err)
		return
	}
	writeJSON(w, http.StatusOK, pickerStatusResponse{
		MediaItemsSet: st.MediaItemsSet,
		PollingConfig: st.PollingConfig,
	})
}

// handlePickerItems retrieves the final selection and persists it as the
// dashboard photos.
func (s *Server) handlePickerItems(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	photos, err := s.deps.Picker.Retrieve(r.Context(), sessionID)
	if err != nil {
		fail(w, "Failed to get media items", err)
		return
	}
	writeJSON(w, http.StatusOK, pickerItemsResponse{Photos: photos, Count: len(photos)})
}

func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.Read()
	if err != nil {
		appLog.Error("failed to read dashboard document", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch photos")
		return
	}
	photos := doc.SelectedPhotos
	if photos == nil {
		photos = []model.SelectedPhoto{}
	}
	writeJSON(w, http.StatusOK, photosResponse{Photos: photos})
}

// handlePhotoProxy streams a picked photo with the account's credential,
// since picker base URLs are not publicly readable.
func (s *Server) handlePhotoProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}
	target, err := url.Parse(raw)
	if err != nil || !s.proxyAllowed(target) {
		writeError(w, http.StatusBadRequest, "url is not a Google photo URL")
		return
	}

	cred, err := s.deps.Accounts.Credential(r.Context())
	if err != nil {
		fail(w, "Failed to proxy image", err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, raw+proxySizeSuffix, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	cred.Token.SetAuthHeader(req)

	resp, err := s.deps.ProxyClient.Do(req)
	if err != nil {
		appLog.Error("photo proxy fetch failed", err, "host", target.Host)
		writeError(w, http.StatusBadGateway, "Failed to proxy image")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		appLog.Warn("photo proxy upstream error", "status", resp.StatusCode, "host", target.Host)
		writeError(w, resp.StatusCode, "Failed to fetch image")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		appLog.Warn("photo proxy copy interrupted", "error", err)
	}
}
