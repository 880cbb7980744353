package account

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-auth/gatehouse/internal/session"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
)

// Handler wires the account endpoints. Session tokens travel exclusively in
// the HttpOnly cookie; response bodies never carry them.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	cookies   session.CookieConfig
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, cookies session.CookieConfig) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		cookies:   cookies,
		validator: validator.New(),
	}
}

// MountRoutes registers the account routes. The enclosing router must run
// the session middleware first so guards see a resolution.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/sign-up", h.signUp)
		r.Post("/sign-in", h.signIn)
		r.Group(func(r chi.Router) {
			r.Use(session.RequireSession(h.logger))
			r.Get("/@me", h.profile)
			r.Delete("/sign-out", h.signOut)
			r.With(session.RequireVerified(h.logger)).Patch("/update-password", h.updatePassword)
		})
	})

	r.Route("/email-verification", func(r chi.Router) {
		r.Use(session.RequireSession(h.logger))
		r.Post("/request", h.requestEmailVerification)
		r.Patch("/confirm", h.confirmEmailVerification)
	})

	r.Route("/email-update", func(r chi.Router) {
		r.Use(session.RequireSession(h.logger))
		r.With(session.RequireVerified(h.logger)).Post("/request", h.requestEmailUpdate)
		r.Get("/request", h.emailUpdateStatus)
		r.Delete("/request", h.abandonEmailUpdate)
		r.Patch("/confirm", h.confirmEmailUpdate)
	})

	r.Route("/password-reset", func(r chi.Router) {
		r.Post("/request", h.requestPasswordReset)
		r.Group(func(r chi.Router) {
			r.Use(session.RequireResetSession(h.logger))
			r.Patch("/verify", h.verifyPasswordReset)
			r.Post("/reset", h.finalizeReset)
		})
	})
}

type signUpRequest struct {
	Username        string `json:"username" validate:"omitempty,min=6,max=48"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8,max=64"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

func (h *Handler) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := h.decode(r, &req); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	cred, err := h.service.SignUp(r.Context(), SignUpInput{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	http.SetCookie(w, h.cookies.Cookie(cred.Token, cred.ExpiresAt))
	shared.Respond(w, http.StatusCreated, nil)
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=64"`
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := h.decode(r, &req); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	cred, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	http.SetCookie(w, h.cookies.Cookie(cred.Token, cred.ExpiresAt))
	shared.Respond(w, http.StatusOK, nil)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	res := session.FromContext(r.Context())
	profile, err := h.service.GetProfile(r.Context(), res.UserID)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusOK, profile)
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	res := session.FromContext(r.Context())
	if err := h.service.SignOut(r.Context(), res.SessionID); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	http.SetCookie(w, h.cookies.Expired())
	shared.Respond(w, http.StatusOK, nil)
}

type updatePasswordRequest struct {
	OldPassword     string `json:"oldPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=64"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

func (h *Handler) updatePassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if err := h.decode(r, &req); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	res := session.FromContext(r.Context())
	cred, err := h.service.ChangePassword(r.Context(), res.UserID, req.OldPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	http.SetCookie(w, h.cookies.Cookie(cred.Token, cred.ExpiresAt))
	shared.Respond(w, http.StatusOK, nil)
}

func (h *Handler) requestEmailVerification(w http.ResponseWriter, r *http.Request) {
	res := session.FromContext(r.Context())
	if err := h.service.RequestEmailVerification(r.Context(), res.UserID); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusCreated, nil)
}

func (h *Handler) confirmEmailVerification(w http.ResponseWriter, r *http.Request) {
	code, err := h.code(r)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	res := session.FromContext(r.Context())
	if err := h.service.ConfirmEmailVerification(r.Context(), res.UserID, code); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusOK, nil)
}

type emailUpdateRequest struct {
	NewEmail string `json:"newEmail" validate:"required,email"`
}

func (h *Handler) requestEmailUpdate(w http.ResponseWriter, r *http.Request) {
	var req emailUpdateRequest
	if err := h.decode(r, &req); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	res := session.FromContext(r.Context())
	if err := h.service.RequestEmailUpdate(r.Context(), res.UserID, req.NewEmail); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusCreated, nil)
}

func (h *Handler) emailUpdateStatus(w http.ResponseWriter, r *http.Request) {
	res := session.FromContext(r.Context())
	pending, err := h.service.EmailUpdateStatus(r.Context(), res.UserID)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusOK, pending)
}

func (h *Handler) abandonEmailUpdate(w http.ResponseWriter, r *http.Request) {
	res := session.FromContext(r.Context())
	if err := h.service.AbandonEmailUpdate(r.Context(), res.UserID); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusOK, nil)
}

func (h *Handler) confirmEmailUpdate(w http.ResponseWriter, r *http.Request) {
	code, err := h.code(r)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	res := session.FromContext(r.Context())
	if err := h.service.ConfirmEmailUpdate(r.Context(), res.UserID, code); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusOK, nil)
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := h.decode(r, &req); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	cred, err := h.service.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	http.SetCookie(w, h.cookies.Cookie(cred.Token, cred.ExpiresAt))
	shared.Respond(w, http.StatusCreated, nil)
}

func (h *Handler) verifyPasswordReset(w http.ResponseWriter, r *http.Request) {
	code, err := h.code(r)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	res := session.FromContext(r.Context())
	if err := h.service.VerifyPasswordReset(r.Context(), res.UserID, code); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}
	shared.Respond(w, http.StatusCreated, nil)
}

type finalizeResetRequest struct {
	Password        string `json:"password" validate:"required,min=8,max=64"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

func (h *Handler) finalizeReset(w http.ResponseWriter, r *http.Request) {
	var req finalizeResetRequest
	if err := h.decode(r, &req); err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	res := session.FromContext(r.Context())
	cred, err := h.service.FinalizeReset(r.Context(), res.UserID, req.Password, req.ConfirmPassword)
	if err != nil {
		shared.RespondError(h.logger, w, err)
		return
	}

	http.SetCookie(w, h.cookies.Cookie(cred.Token, cred.ExpiresAt))
	shared.Respond(w, http.StatusCreated, nil)
}

// decode parses the JSON body and runs schema validation.
func (h *Handler) decode(r *http.Request, target any) error {
	if err := shared.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("malformed request body: %w", shared.ErrValidation)
	}
	if err := h.validator.Struct(target); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range verrs {
				fields = append(fields, fieldErr.Field())
			}
		}
		return fmt.Errorf("invalid fields %s: %w", strings.Join(fields, ", "), shared.ErrValidation)
	}
	return nil
}

func (h *Handler) code(r *http.Request) (string, error) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		return "", fmt.Errorf("missing code: %w", shared.ErrValidation)
	}
	return code, nil
}
