package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"cipherbin/cfg"
	"cipherbin/pkg/domain"
	"cipherbin/svc/lim"
	"cipherbin/svc/svc"
	"cipherbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// bodySlack covers the JSON envelope around the ciphertext.
const bodySlack = 64 * 1024

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type createResp struct {
	Status int `json:"status"`
	*svc.Created
}

type pasteResp struct {
	Status int `json:"status"`
	*svc.PasteView
}

type commentsResp struct {
	Status   int              `json:"status"`
	Comments []domain.Comment `json:"comments"`
}

type expireResp struct {
	Options []expireOption `json:"options"`
	Default string         `json:"default"`
}

type expireOption struct {
	Name    string `json:"name"`
	Seconds int64  `json:"seconds"`
}

type errResp struct {
	domain.ErrResp
	RequestID string `json:"request_id"`
}

// readBody enforces a JSON content type and caps the body just above the
// configured size limit; the paste service applies the exact limit.
func (h *Hdl) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, domain.ErrInvalidRequest.WithMsg("expected Content-Type: application/json")
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		return nil, domain.ErrInvalidRequest.WithMsg("compressed content not allowed")
	}
	limit := h.cfg.SizeLimit + bodySlack
	if r.ContentLength > limit {
		return nil, domain.ErrPasteTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, domain.ErrPasteTooLarge
		}
		return nil, domain.ErrInvalidRequest
	}
	if len(body) == 0 {
		return nil, domain.ErrInvalidRequest.WithMsg("empty request body")
	}
	return body, nil
}

func (h *Hdl) clientAddr(r *http.Request) string {
	return lim.ClientAddress(r, h.cfg.TrafficHeader, h.cfg.TrustedProxies)
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	body, err := h.readBody(w, r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	addr := h.clientAddr(r)
	created, err := h.paste.Create(r.Context(), addr, body)
	if err != nil {
		log.Warn().
			Err(err).
			Str("client_ip", util.RedactIP(addr)).
			Msg("paste rejected")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createResp{Status: 0, Created: created})
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	view, err := h.paste.Read(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(pasteResp{Status: 0, PasteView: view})
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	token := r.Header.Get("X-Deletion-Token")
	if token == "" {
		writeErr(w, domain.ErrInvalidRequest.WithMsg("missing X-Deletion-Token header"), requestID)
		return
	}
	if err := h.paste.Delete(r.Context(), id, token); err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": 0, "id": id})
}

func (h *Hdl) CreateComment(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	pasteID := chi.URLParam(r, "id")
	body, err := h.readBody(w, r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	addr := h.clientAddr(r)
	created, err := h.paste.CreateComment(r.Context(), addr, pasteID, body)
	if err != nil {
		log.Warn().
			Err(err).
			Str("paste_id", pasteID).
			Str("client_ip", util.RedactIP(addr)).
			Msg("comment rejected")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createResp{Status: 0, Created: created})
}

func (h *Hdl) GetComments(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	comments, err := h.paste.ReadComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(commentsResp{Status: 0, Comments: comments})
}

func (h *Hdl) GetExpireOptions(w http.ResponseWriter, r *http.Request) {
	presets, def := h.paste.ExpireOptions()
	resp := expireResp{Options: make([]expireOption, len(presets)), Default: def}
	for i, p := range presets {
		resp.Options[i] = expireOption{Name: p.Name, Seconds: int64(p.Duration.Seconds())}
	}
	json.NewEncoder(w).Encode(resp)
}

// writeErr never forwards details of 5xx failures; the cause has already
// been logged where it happened.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 && statusCode != http.StatusServiceUnavailable {
		resp = domain.ToResp(domain.ErrInternalServer)
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errResp{ErrResp: resp, RequestID: requestID})
}
