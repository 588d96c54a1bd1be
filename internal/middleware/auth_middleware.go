package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sefazor/cutout-backend/internal/service"
	"github.com/sefazor/cutout-backend/pkg/apperror"
	jwtPkg "github.com/sefazor/cutout-backend/pkg/jwt"
	"go.uber.org/zap"
)

const localAccountID = "accountID"

var (
	errMissingToken = apperror.New(apperror.CodeUnauthenticated, "Authorization header is required")
	errBadScheme    = apperror.New(apperror.CodeUnauthenticated, "Invalid authorization header format")
	errBadToken     = apperror.New(apperror.CodeUnauthenticated, "Invalid token")
	errNoEmail      = apperror.New(apperror.CodeUnauthenticated, "Token carries no email")
)

// AuthMiddleware validates the bearer token and resolves it to an account,
// provisioning one the first time a user shows up.
func AuthMiddleware(tokens *jwtPkg.Manager, accounts *service.AccountService, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			return errMissingToken
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			return errBadScheme
		}

		claims, err := tokens.ValidateToken(strings.TrimSpace(tokenString))
		if err != nil {
			log.Debug("token validation failed", zap.String("ip", c.IP()), zap.Error(err))
			return errBadToken
		}
		identity := claims.Identity()
		if identity.Email == "" {
			return errNoEmail
		}

		account, err := accounts.Provision(c.UserContext(), identity)
		if err != nil {
			log.Error("failed to resolve account", zap.String("external_id", identity.ExternalID), zap.Error(err))
			return err
		}
		if !account.IsActive {
			return service.ErrAccountInactive
		}

		c.Locals(localAccountID, account.ID)
		return c.Next()
	}
}

// AccountID returns the id stored by AuthMiddleware.
func AccountID(c *fiber.Ctx) (uint, error) {
	id, ok := c.Locals(localAccountID).(uint)
	if !ok || id == 0 {
		return 0, service.ErrUnauthenticated
	}
	return id, nil
}
