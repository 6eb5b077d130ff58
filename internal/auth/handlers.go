package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/crochetai/backend/internal/errors"
	"github.com/crochetai/backend/internal/logger"
)

const maxBodyBytes = 1 << 16

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// FieldError is one request validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ClientInfoFunc extracts the caller's address and agent from a request.
type ClientInfoFunc func(r *http.Request) ClientInfo

type Handlers struct {
	authService *Service
	clientInfo  ClientInfoFunc
	log         *logger.Logger
}

func NewHandlers(authService *Service, clientInfo ClientInfoFunc) *Handlers {
	if clientInfo == nil {
		clientInfo = func(r *http.Request) ClientInfo {
			return ClientInfo{IPAddress: r.RemoteAddr, UserAgent: r.UserAgent()}
		}
	}
	return &Handlers{
		authService: authService,
		clientInfo:  clientInfo,
		log:         logger.Default().WithComponent("auth.http"),
	}
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) error {
	var req RegisterRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if err := validateRegisterRequest(&req); err != nil {
		return err
	}

	resp, err := h.authService.Register(r.Context(), req.Username, req.Email, req.Password, h.clientInfo(r))
	if err != nil {
		return h.toAppError(r, err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusCreated, resp)
	return nil
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if err := validateLoginRequest(&req); err != nil {
		return err
	}

	resp, err := h.authService.Login(r.Context(), req.Email, req.Password, h.clientInfo(r))
	if err != nil {
		return h.toAppError(r, err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, resp)
	return nil
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) error {
	var req RefreshRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return validationFailed([]FieldError{{Field: "refreshToken", Message: "Refresh token is required"}})
	}

	resp, err := h.authService.RefreshToken(r.Context(), req.RefreshToken, h.clientInfo(r))
	if err != nil {
		return h.toAppError(r, err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, resp)
	return nil
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) error {
	userCtx := GetUserFromContext(r.Context())
	if userCtx == nil {
		return apperrors.Unauthenticated()
	}

	if err := h.authService.Logout(r.Context(), userCtx.UserID, h.clientInfo(r)); err != nil {
		return h.toAppError(r, err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) error {
	userCtx := GetUserFromContext(r.Context())
	if userCtx == nil {
		return apperrors.Unauthenticated()
	}

	user, err := h.authService.Me(r.Context(), userCtx.UserID)
	if err != nil {
		return h.toAppError(r, err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, user)
	return nil
}

// toAppError maps service errors onto the HTTP taxonomy. Unexpected errors are
// logged here and reach the client as a bare 500.
func (h *Handlers) toAppError(r *http.Request, err error) error {
	var conflict *ConflictError
	var policy *PolicyError

	switch {
	case errors.As(err, &conflict):
		return apperrors.AlreadyRegistered(conflict.Error()).
			WithDetails(map[string]any{"field": conflict.Field})
	case errors.As(err, &policy):
		return apperrors.BadRequest(policy.Error()).
			WithDetails(map[string]any{"reasons": policy.Reasons})
	case errors.Is(err, ErrInvalidCredentials):
		return apperrors.InvalidCredentials()
	case errors.Is(err, ErrInvalidRefreshToken):
		return apperrors.InvalidRefreshToken()
	case errors.Is(err, ErrUnauthenticated):
		return apperrors.Unauthenticated()
	}

	h.log.Error(r.Context(), "auth request failed", err, logger.Fields{"path": r.URL.Path})
	return apperrors.InternalError("Internal server error").WithCause(err)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.BadRequest("Invalid request body")
	}
	return nil
}

func validateRegisterRequest(req *RegisterRequest) error {
	var errs []FieldError
	if strings.TrimSpace(req.Username) == "" {
		errs = append(errs, FieldError{Field: "username", Message: "Username is required"})
	}
	if strings.TrimSpace(req.Email) == "" {
		errs = append(errs, FieldError{Field: "email", Message: "Email is required"})
	}
	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "Password is required"})
	}
	return validationFailed(errs)
}

func validateLoginRequest(req *LoginRequest) error {
	var errs []FieldError
	if strings.TrimSpace(req.Email) == "" {
		errs = append(errs, FieldError{Field: "email", Message: "Email is required"})
	}
	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "Password is required"})
	}
	return validationFailed(errs)
}

func validationFailed(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return apperrors.ValidationError("Validation failed").WithDetails(map[string]any{"errors": errs})
}
