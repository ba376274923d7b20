// Package fiber mounts the checkoutsync webhook endpoint in a Fiber app.
package fiber

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

// Handler returns a Fiber handler serving the webhook endpoint.
// Mount it on a route without body-mutating middleware: signature
// verification needs the raw request bytes.
//
//	app.Post("/webhooks/stripe", fiberhandler.Handler(svc))
func Handler(s *checkoutsync.Service) fiber.Handler {
	return adaptor.HTTPHandler(s.WebhookHandler())
}
