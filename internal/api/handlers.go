package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"secret.drop/config"
	"secret.drop/internal/admin"
	"secret.drop/internal/lifecycle"
	"secret.drop/internal/models"
	"secret.drop/internal/service"
	"secret.drop/internal/store"

	"github.com/go-chi/chi/v5"
)

const (
	// multipart framing and form fields on top of the payload itself
	formOverhead = 1 << 20

	maxPasswordBody = 4 << 10
)

type Handler struct {
	svc    *service.Service
	gate   *admin.Gate
	config *config.Config
	logger *slog.Logger
}

func NewHandler(svc *service.Service, gate *admin.Gate, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:    svc,
		gate:   gate,
		config: cfg,
		logger: logger,
	}
}

type CreateRequest struct {
	Secret           string `json:"secret"`
	Password         string `json:"password"`
	ExpiresInMinutes *int   `json:"expires_in_minutes,omitempty"`
	MaxReads         *int   `json:"max_reads,omitempty"`
}

type CreateResponse struct {
	ID string `json:"id"`
}

type PasswordRequest struct {
	Password string `json:"password"`
}

type RevealResponse struct {
	Secret string `json:"secret"`
}

type StatsResponse struct {
	ActiveSecrets int `json:"active_secrets"`
}

type SecretRow struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	MaxReads       *int       `json:"maxReads"`
	RemainingReads *int       `json:"remainingReads"`
	ReadCount      int        `json:"readCount"`
	Status         string     `json:"status"`
	ExpiredBy      *string    `json:"expiredBy"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.config.Secrets.MaxContentBytes)+formOverhead)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		in  service.CreateInput
		err error
	)
	if mediaType == "multipart/form-data" {
		in, err = h.decodeMultipart(r)
	} else {
		in, err = decodeJSONCreate(r)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	id, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, CreateResponse{ID: id})
}

func decodeJSONCreate(r *http.Request) (service.CreateInput, error) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return service.CreateInput{}, badBody(err)
	}
	return service.CreateInput{
		Text:             req.Secret,
		Password:         req.Password,
		ExpiresInMinutes: req.ExpiresInMinutes,
		MaxReads:         req.MaxReads,
	}, nil
}

func (h *Handler) decodeMultipart(r *http.Request) (service.CreateInput, error) {
	var in service.CreateInput
	if err := r.ParseMultipartForm(int64(h.config.Secrets.MaxContentBytes) + formOverhead); err != nil {
		return in, badBody(err)
	}
	defer r.MultipartForm.RemoveAll()

	in.Text = r.FormValue("secret")
	in.Password = r.FormValue("password")

	var err error
	if in.ExpiresInMinutes, err = formInt(r, "expires_in_minutes"); err != nil {
		return in, err
	}
	if in.MaxReads, err = formInt(r, "max_reads"); err != nil {
		return in, err
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil
	}
	if err != nil {
		return in, badBody(err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return in, badBody(err)
	}
	in.File = &service.FileInput{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return in, nil
}

func formInt(r *http.Request, field string) (*int, error) {
	v := r.FormValue(field)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, &service.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return &n, nil
}

func (h *Handler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxPasswordBody)

	var req PasswordRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	revealed, err := h.svc.Reveal(r.Context(), id, req.Password)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	if revealed.RemainingReads != nil {
		w.Header().Set("X-Remaining-Reads", strconv.Itoa(*revealed.RemainingReads))
	}

	if revealed.Payload.Kind == models.PayloadFile {
		contentType := revealed.Payload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": revealed.Payload.Filename,
		}))
		w.Header().Set("Content-Length", strconv.Itoa(len(revealed.Payload.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(revealed.Payload.Data)
		return
	}

	h.json(w, http.StatusOK, RevealResponse{Secret: string(revealed.Payload.Data)})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.CountActive(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, StatsResponse{ActiveSecrets: n})
}

func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPasswordBody)

	var req PasswordRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	token, expiresAt, err := h.gate.Login(r.Context(), req.Password)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Admin.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(h.gate.SessionTTL() / time.Second),
		HttpOnly: true,
		Secure:   h.config.Admin.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	h.json(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.config.Admin.CookieName); err == nil {
		if err := h.gate.Logout(r.Context(), c.Value); err != nil {
			h.handleError(w, r, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Admin.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Admin.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	h.json(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	summaries, err := h.svc.List(r.Context(), page)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	rows := make([]SecretRow, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, toRow(s))
	}
	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, rows)
}

func toRow(s service.Summary) SecretRow {
	row := SecretRow{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		MaxReads:       s.MaxReads,
		RemainingReads: s.RemainingReads,
		ReadCount:      s.ReadCount,
		Status:         "active",
	}
	if s.Status.Terminal() {
		row.Status = "expired"
		by := "time"
		if s.Status == lifecycle.ExhaustedByReads {
			by = "reads"
		}
		row.ExpiredBy = &by
	}
	return row
}

func pageFromQuery(r *http.Request) (store.Page, error) {
	var page store.Page
	q := r.URL.Query()
	for field, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		v := q.Get(field)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, &service.ValidationError{Field: field, Reason: "must be a non-negative integer"}
		}
		*dst = n
	}
	return page, nil
}

// decodeOptionalJSON treats an empty body as the zero value.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return badBody(err)
}

func badBody(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errRequestTooLarge
	}
	return &service.ValidationError{Field: "body", Reason: "malformed request body"}
}

var errRequestTooLarge = errors.New("request body too large")

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		h.json(w, http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, errRequestTooLarge):
		h.error(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, lifecycle.ErrWrongPassword):
		h.error(w, http.StatusForbidden, "wrong password")
	case errors.Is(err, lifecycle.ErrGone):
		h.error(w, http.StatusNotFound, "secret not found")
	case errors.Is(err, admin.ErrUnauthorized):
		h.error(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, admin.ErrNoSession):
		h.error(w, http.StatusForbidden, "admin session required")
	case errors.Is(err, admin.ErrNotConfigured):
		h.logger.Error("admin login unavailable", "error", err, "request_id", GetRequestID(r.Context()))
		h.error(w, http.StatusInternalServerError, "server misconfigured")
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}
