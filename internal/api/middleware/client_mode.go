package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/yoockh/threadline/internal/client"
	"github.com/yoockh/threadline/internal/utils"
)

const (
	clientKey     = "domain_client"
	clientModeKey = "client_mode"

	ClientModeHeader = "X-Client-Mode"
)

// ClientMode resolves the domain client once per request. Handlers read it
// back with Client and never resolve again.
func ClientMode(sel *client.Selector) gin.HandlerFunc {
	return func(c *gin.Context) {
		dc, mode, err := sel.Resolve(c.GetHeader(ClientModeHeader))
		if err != nil {
			abort(c, utils.HTTPStatus(err), utils.CodeOf(err), utils.MessageOf(err))
			return
		}
		c.Set(clientKey, dc)
		c.Set(clientModeKey, string(mode))
		c.Next()
	}
}

// UseClient pins every request of a group to dc.
func UseClient(dc client.DomainClient, mode client.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(clientKey, dc)
		c.Set(clientModeKey, string(mode))
		c.Next()
	}
}

// Client returns the domain client resolved for this request.
func Client(c *gin.Context) (client.DomainClient, bool) {
	v, ok := c.Get(clientKey)
	if !ok {
		return nil, false
	}
	dc, ok := v.(client.DomainClient)
	return dc, ok
}
