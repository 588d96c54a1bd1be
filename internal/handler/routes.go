package handler

import "github.com/gofiber/fiber/v2"

type Handlers struct {
	Health  *HealthHandler
	Image   *ImageHandler
	Payment *PaymentHandler
	Webhook *WebhookHandler
	User    *UserHandler
}

// SetupRoutes mounts the API. Webhooks and the package list are public;
// everything else goes through auth.
func SetupRoutes(app *fiber.App, h Handlers, auth fiber.Handler) {
	app.Get("/", h.Health.Check)

	api := app.Group("/api")

	webhooks := api.Group("/webhook")
	webhooks.Post("/payment-provider", h.Webhook.PaymentProvider)
	webhooks.Post("/identity-provider", h.Webhook.IdentityProvider)

	api.Get("/payment/packages", h.Payment.Packages)

	image := api.Group("/image", auth)
	image.Post("/process", h.Image.Process)
	image.Get("/list", h.Image.List)
	image.Get("/:id", h.Image.Get)
	image.Delete("/:id", h.Image.Delete)

	payment := api.Group("/payment", auth)
	payment.Post("/create-checkout", h.Payment.CreateCheckout)
	payment.Post("/success", h.Payment.Success)
	payment.Get("/history", h.Payment.History)

	user := api.Group("/user", auth)
	user.Get("/credits", h.User.Credits)
	user.Get("/profile", h.User.GetProfile)
	user.Put("/profile", h.User.UpdateProfile)
	user.Get("/transactions", h.User.Transactions)
}
