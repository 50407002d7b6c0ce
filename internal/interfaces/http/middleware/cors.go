package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows browser clients from origins to call the API. Entries may be
// comma separated and blanks are dropped. It returns nil when no origin is
// left; "*" allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	allowed, allowAll := normalizeOrigins(origins)
	if !allowAll && len(allowed) == 0 {
		return nil
	}
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Request-ID", "Idempotency-Key", "traceparent"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowed
	}
	return cors.New(cfg)
}

func normalizeOrigins(origins []string) ([]string, bool) {
	var out []string
	for _, entry := range origins {
		for _, o := range strings.Split(entry, ",") {
			o = strings.TrimSpace(o)
			switch o {
			case "":
			case "*":
				return nil, true
			default:
				out = append(out, o)
			}
		}
	}
	return out, false
}
