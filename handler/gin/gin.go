// Package gin mounts the checkoutsync webhook endpoint in a Gin engine.
package gin

import (
	"github.com/gin-gonic/gin"

	"github.com/mihaimyh/checkoutsync/pkg/checkoutsync"
)

// Handler returns a Gin handler serving the webhook endpoint.
// Mount it on a route without body-mutating middleware: signature
// verification needs the raw request bytes.
//
//	r.POST("/webhooks/stripe", ginhandler.Handler(svc))
func Handler(s *checkoutsync.Service) gin.HandlerFunc {
	return gin.WrapH(s.WebhookHandler())
}
