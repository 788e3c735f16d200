package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/snarg/whisper-queue/internal/auth"
)

// KeyAdmin provisions and revokes API keys.
type KeyAdmin interface {
	Generate(ctx context.Context, name string, expiryDays *int, allowedIPs []string) (*auth.GeneratedKey, error)
	List(ctx context.Context, activeOnly bool) ([]auth.KeyInfo, error)
	Revoke(ctx context.Context, id int64) (bool, error)
}

type AdminHandler struct {
	keys     KeyAdmin
	validate *validator.Validate
}

func NewAdminHandler(keys KeyAdmin) *AdminHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names in validation messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &AdminHandler{keys: keys, validate: v}
}

// defaultKeyExpiryDays applies when a create request omits expires_days.
const defaultKeyExpiryDays = 365

type createKeyRequest struct {
	Name        string   `json:"name" validate:"required,max=200"`
	ExpiresDays *int     `json:"expires_days" validate:"omitempty,min=1,max=36500"`
	AllowedIPs  []string `json:"allowed_ips" validate:"omitempty,max=100,dive,ip|cidr"`
}

type revokeKeyRequest struct {
	KeyID int64 `json:"key_id" validate:"required,min=1"`
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		var m string
		switch e.Tag() {
		case "required":
			m = "is required"
		case "min":
			m = "must be at least " + e.Param()
		case "max":
			m = "must be at most " + e.Param()
		case "ip|cidr":
			m = fmt.Sprintf("%q is not an IP address or CIDR block", e.Value())
		default:
			m = "is invalid"
		}
		msgs = append(msgs, e.Field()+": "+m)
	}
	return strings.Join(msgs, "; ")
}

// CreateKey handles POST /api/v1/admin/api-keys. The plaintext key is only
// ever returned here.
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, validationMessage(err))
		return
	}

	if req.ExpiresDays == nil {
		days := defaultKeyExpiryDays
		req.ExpiresDays = &days
	}

	key, err := h.keys.Generate(r.Context(), req.Name, req.ExpiresDays, req.AllowedIPs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, key)
}

// ListKeys handles GET /api/v1/admin/api-keys?active_only=true.
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := QueryBool(r, "active_only")
	keys, err := h.keys.List(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []auth.KeyInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

// RevokeKey handles POST /api/v1/admin/api-keys/revoke.
func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeKeyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidBody, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, validationMessage(err))
		return
	}

	ok, err := h.keys.Revoke(r.Context(), req.KeyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !ok {
		WriteError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("active key %d not found", req.KeyID))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"key_id": req.KeyID, "revoked": true})
}

// Routes registers admin routes on the given router.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/admin/api-keys", h.CreateKey)
	r.Get("/admin/api-keys", h.ListKeys)
	r.Post("/admin/api-keys/revoke", h.RevokeKey)
}
