package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels requests no admin route matched, keeping raw URLs out of
// metric labels.
const unmatchedRoute = "unmatched"

// quietRoutes are hit by health checks and scrapers; they log at debug unless they fail.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// RequestLogger logs one line per admin request, tagged with the bridge id and,
// on object routes, the object guid.
func RequestLogger(logger zerolog.Logger, bridge string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case quietRoutes[route]:
			event = logger.Debug()
		default:
			event = logger.Info()
		}

		event = event.
			Str("bridge", bridge).
			Str("method", c.Request.Method).
			Str("route", routeLabel(route)).
			Str("path", c.Request.URL.Path)
		if guid := c.Param("guid"); guid != "" {
			event = event.Str("guid", guid)
		}
		if errs := c.Errors.String(); errs != "" {
			event = event.Str("errors", errs)
		}
		event.
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("bridge.admin request")
	}
}

func RequestMetricsMiddleware(bridge string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(bridge, c.Request.Method, routeLabel(c.FullPath()), c.Writer.Status(), time.Since(start))
	}
}

func routeLabel(route string) string {
	if route == "" {
		return unmatchedRoute
	}
	return route
}
