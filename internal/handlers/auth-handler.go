package handlers

import (
	"errors"
	"log"

	"access_service/internal/models"
	"access_service/internal/service"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// Counter for total login attempts
	loginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"outcome"}, // authenticated/invalid_credentials/account_locked/require_second_factor
	)

	// Histogram for login duration
	loginDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "access_login_duration_seconds",
			Help:    "Time spent processing login requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gauge for active sessions
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "access_active_sessions_current",
			Help: "Current number of active sessions",
		},
	)

	// Counter for logout events
	logoutAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_logout_attempts_total",
			Help: "Total number of logout attempts",
		},
	)

	// Counter for second factor submissions
	secondFactorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_second_factor_attempts_total",
			Help: "Total number of second factor submissions",
		},
		[]string{"status", "method"}, // status: success/failure, method: totp/backup
	)
)

type AccessHandler struct {
	credentialService *service.CredentialService
	twoFactorService  *service.TwoFactorService
	backupCodeService *service.BackupCodeService
	sessionService    *service.SessionService
	jwtService        *service.JWTService
}

func NewAccessHandler(credentialService *service.CredentialService, twoFactorService *service.TwoFactorService, backupCodeService *service.BackupCodeService, sessionService *service.SessionService, jwtService *service.JWTService) *AccessHandler {
	return &AccessHandler{
		credentialService: credentialService,
		twoFactorService:  twoFactorService,
		backupCodeService: backupCodeService,
		sessionService:    sessionService,
		jwtService:        jwtService,
	}
}

func (h *AccessHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	accessGroup := app.Group("/public/access")

	accessGroup.Post("/register", h.Register)
	accessGroup.Post("/login", h.Login)
	accessGroup.Post("/2fa/verify", h.VerifySecondFactor)
	accessGroup.Post("/2fa/backup", h.VerifyBackupCode)

	protectedGroup := app.Group("/protected/access", h.RequireSession)

	protectedGroup.Post("/logout", h.Logout)
	protectedGroup.Post("/refresh", h.Refresh)
	protectedGroup.Get("/introspect", h.Introspect)
	protectedGroup.Post("/2fa/enroll", h.StartEnrollment)
	protectedGroup.Post("/2fa/confirm", h.ConfirmEnrollment)
	protectedGroup.Post("/2fa/backup/regenerate", h.RegenerateBackupCodes)
}

// RequireSession resolves the bearer token to a session and parks it in
// locals for downstream handlers. Expired, revoked, and unknown tokens all
// produce the same unauthenticated response.
func (h *AccessHandler) RequireSession(c fiber.Ctx) error {
	token := extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "No token provided",
		})
	}

	session, err := h.sessionService.Validate(c.Context(), token)
	if err != nil {
		if errors.Is(err, service.ErrSessionExpired) || errors.Is(err, service.ErrSessionRevoked) || errors.Is(err, service.ErrSessionUnknown) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired session",
			})
		}
		log.Printf("Error validating session: %s", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	c.Locals("session", session)
	return c.Next()
}

func (h *AccessHandler) Register(c fiber.Ctx) error {
	var registerRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := c.Bind().Body(&registerRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if registerRequest.Email == "" || registerRequest.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Email and password are required",
		})
	}

	user, err := h.credentialService.Register(c.Context(), registerRequest.Email, registerRequest.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "User Created Successfully",
		"data": fiber.Map{
			"userId": user.ID.Hex(),
		},
	})
}

func (h *AccessHandler) Login(c fiber.Ctx) error {
	timer := prometheus.NewTimer(loginDuration)
	defer timer.ObserveDuration()

	var loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := c.Bind().Body(&loginRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if loginRequest.Email == "" || loginRequest.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Email and password are required",
		})
	}

	outcome, user, err := h.credentialService.Verify(c.Context(), loginRequest.Email, loginRequest.Password)
	if err != nil {
		log.Printf("Error login with email: %s : %s", loginRequest.Email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	loginAttempts.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case models.OutcomeAccountLocked:
		return c.Status(fiber.StatusLocked).JSON(fiber.Map{
			"error": "Account temporarily locked",
		})

	case models.OutcomeInvalidCredentials:
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid credentials",
		})

	case models.OutcomeRequireSecondFactor:
		challenge, err := h.twoFactorService.Begin(c.Context(), user.ID.Hex())
		if err != nil {
			log.Printf("Error opening challenge for %s: %s", loginRequest.Email, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Service Error",
			})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Second factor required",
			"data": fiber.Map{
				"status":      string(outcome),
				"challengeId": challenge.ID,
			},
		})
	}

	session, err := h.sessionService.Issue(c.Context(), user.ID.Hex())
	if err != nil {
		log.Printf("Error issuing session for %s: %s", loginRequest.Email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}
	activeSessions.Inc()

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "User Login Successfully",
		"data": fiber.Map{
			"status":    string(outcome),
			"token":     session.Token,
			"expiresAt": session.ExpiresAt,
		},
	})
}

func (h *AccessHandler) VerifySecondFactor(c fiber.Ctx) error {
	var verifyRequest struct {
		ChallengeID string `json:"challengeId"`
		Code        string `json:"code"`
	}

	if err := c.Bind().Body(&verifyRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if verifyRequest.ChallengeID == "" || verifyRequest.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Challenge id and code are required",
		})
	}

	userID, err := h.twoFactorService.Submit(c.Context(), verifyRequest.ChallengeID, verifyRequest.Code)
	if err != nil {
		secondFactorAttempts.WithLabelValues("failure", "totp").Inc()
		return h.secondFactorError(c, err)
	}

	secondFactorAttempts.WithLabelValues("success", "totp").Inc()

	session, err := h.sessionService.Issue(c.Context(), userID)
	if err != nil {
		log.Printf("Error issuing session after challenge %s: %s", verifyRequest.ChallengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}
	activeSessions.Inc()

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "User Login Successfully",
		"data": fiber.Map{
			"token":     session.Token,
			"expiresAt": session.ExpiresAt,
		},
	})
}

func (h *AccessHandler) VerifyBackupCode(c fiber.Ctx) error {
	var backupRequest struct {
		ChallengeID string `json:"challengeId"`
		Code        string `json:"code"`
	}

	if err := c.Bind().Body(&backupRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if backupRequest.ChallengeID == "" || backupRequest.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Challenge id and code are required",
		})
	}

	challenge, err := h.twoFactorService.Challenge(c.Context(), backupRequest.ChallengeID)
	if err != nil {
		secondFactorAttempts.WithLabelValues("failure", "backup").Inc()
		return h.secondFactorError(c, err)
	}

	userID, err := bson.ObjectIDFromHex(challenge.UserID)
	if err != nil {
		log.Printf("Malformed user id on challenge %s: %s", backupRequest.ChallengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	result, err := h.backupCodeService.Consume(c.Context(), userID, backupRequest.Code)
	if err != nil {
		log.Printf("Error consuming backup code for challenge %s: %s", backupRequest.ChallengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	switch result.Status {
	case service.ConsumeInvalid:
		secondFactorAttempts.WithLabelValues("failure", "backup").Inc()
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid backup code",
		})
	case service.ConsumeAlreadyUsed:
		secondFactorAttempts.WithLabelValues("failure", "backup").Inc()
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Backup code already used",
		})
	}

	secondFactorAttempts.WithLabelValues("success", "backup").Inc()

	if err := h.twoFactorService.Complete(c.Context(), backupRequest.ChallengeID); err != nil {
		log.Printf("Warning: Failed to close challenge %s: %v", backupRequest.ChallengeID, err)
	}

	session, err := h.sessionService.Issue(c.Context(), challenge.UserID)
	if err != nil {
		log.Printf("Error issuing session after backup code: %s", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}
	activeSessions.Inc()

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "User Login Successfully",
		"data": fiber.Map{
			"token":              session.Token,
			"expiresAt":          session.ExpiresAt,
			"remainingCodes":     result.Remaining,
			"regenerateRequired": result.RegenerateRequired,
		},
	})
}

func (h *AccessHandler) secondFactorError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSecondFactorExpired):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Challenge expired",
		})
	case errors.Is(err, service.ErrSecondFactorExhausted):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Too many attempts, log in again",
		})
	case errors.Is(err, service.ErrSecondFactorInvalid):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid code",
		})
	}
	log.Printf("Error verifying second factor: %s", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Service Error",
	})
}

func (h *AccessHandler) Logout(c fiber.Ctx) error {
	session := c.Locals("session").(*models.Session)

	logoutAttempts.Inc()
	activeSessions.Dec()

	if err := h.sessionService.Revoke(c.Context(), session.Token); err != nil {
		log.Printf("Error revoking session for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "Logged out successfully",
	})
}

func (h *AccessHandler) Refresh(c fiber.Ctx) error {
	session := c.Locals("session").(*models.Session)

	refreshed, err := h.sessionService.Refresh(c.Context(), session.Token)
	if err != nil {
		log.Printf("Error refreshing session for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired session",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Session extended",
		"data": fiber.Map{
			"expiresAt": refreshed.ExpiresAt,
		},
	})
}

// Introspect exchanges a valid session for a short-lived signed assertion
// other services can verify without calling back.
func (h *AccessHandler) Introspect(c fiber.Ctx) error {
	session := c.Locals("session").(*models.Session)

	assertion, err := h.jwtService.MintAssertion(session)
	if err != nil {
		log.Printf("Error minting assertion for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"userId":    session.UserID,
			"sessionId": session.ID,
			"expiresAt": session.ExpiresAt,
			"assertion": assertion,
		},
	})
}

func (h *AccessHandler) StartEnrollment(c fiber.Ctx) error {
	session := c.Locals("session").(*models.Session)

	userID, err := bson.ObjectIDFromHex(session.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	secret, otpauthURL, err := h.twoFactorService.StartEnrollment(c.Context(), userID)
	if err != nil {
		log.Printf("Error starting enrollment for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Scan the code and confirm with a generated code",
		"data": fiber.Map{
			"secret":     secret,
			"otpauthUrl": otpauthURL,
		},
	})
}

// ConfirmEnrollment activates the pending secret and hands out the backup
// code batch. The plaintext codes appear in this response and nowhere else.
func (h *AccessHandler) ConfirmEnrollment(c fiber.Ctx) error {
	session := c.Locals("session").(*models.Session)

	var confirmRequest struct {
		Code string `json:"code"`
	}

	if err := c.Bind().Body(&confirmRequest); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if confirmRequest.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Code is required",
		})
	}

	userID, err := bson.ObjectIDFromHex(session.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	if err := h.twoFactorService.ConfirmEnrollment(c.Context(), userID, confirmRequest.Code); err != nil {
		if errors.Is(err, service.ErrSecondFactorInvalid) || errors.Is(err, service.ErrSecondFactorNotPending) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid code",
			})
		}
		log.Printf("Error confirming enrollment for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	backupCodes, err := h.backupCodeService.Generate(c.Context(), userID)
	if err != nil {
		log.Printf("Error generating backup codes for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Second factor enrolled",
		"data": fiber.Map{
			"backupCodes": backupCodes,
		},
	})
}

func (h *AccessHandler) RegenerateBackupCodes(c fiber.Ctx) error {
	session := c.Locals("session").(*models.Session)

	userID, err := bson.ObjectIDFromHex(session.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	backupCodes, err := h.backupCodeService.Generate(c.Context(), userID)
	if err != nil {
		log.Printf("Error regenerating backup codes for user %s: %s", session.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Service Error",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Backup codes regenerated",
		"data": fiber.Map{
			"backupCodes": backupCodes,
		},
	})
}

func (h *AccessHandler) HealthCheck(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).SendString("Access Service is healthy")
}

func extractToken(c fiber.Ctx) string {
	auth := c.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if cookie := c.Cookies("token"); cookie != "" {
		return cookie
	}
	return auth
}
