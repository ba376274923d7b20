// Package echo mounts the checkoutsync webhook endpoint in an Echo server.
package echo

import (
	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

// Handler returns an Echo handler serving the webhook endpoint.
// Mount it on a route without body-mutating middleware: signature
// verification needs the raw request bytes.
//
//	e.POST("/webhooks/stripe", echohandler.Handler(svc))
func Handler(s *checkoutsync.Service) echo.HandlerFunc {
	return echo.WrapHandler(s.WebhookHandler())
}
