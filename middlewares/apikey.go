package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/utils"
)

// ApiKey authenticates requests by the X-API-KEY header. An empty configured
// key disables the check, which is only sensible in local development.
func ApiKey(apiKey string) func(http.Handler) http.Handler {
	if apiKey == "" {
		log.Warn().Msg("BACKEND_API_KEY is empty, API key check disabled")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-API-KEY")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				utils.WriteError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
