package titanfs

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"gitlab.com/tozd/waf"
)

func hasherSHA256(s string) []byte {
	val := sha256.Sum256([]byte(s))
	return val[:]
}

// BasicAuthHandler returns a middleware which requires HTTP basic
// authentication with the given credentials for every request.
func BasicAuthHandler(username, password string) func(http.Handler) http.Handler {
	usernameHash := hasherSHA256(username)
	passwordHash := hasherSHA256(password)
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			realm := DefaultTitle
			site, ok := waf.GetSite[*Site](req.Context())
			if ok && site.Title != "" {
				realm = site.Title
			}

			user, pass, ok := req.BasicAuth()
			userCompare := subtle.ConstantTimeCompare(hasherSHA256(user), usernameHash)
			passwordCompare := subtle.ConstantTimeCompare(hasherSHA256(pass), passwordHash)
			if !ok || userCompare+passwordCompare != 2 { //nolint:mnd
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
				waf.Error(w, req, http.StatusUnauthorized)
				return
			}
			handler.ServeHTTP(w, req)
		})
	}
}

// requestUser returns the authenticated username for the request, if any.
func requestUser(req *http.Request) string {
	user, _, _ := req.BasicAuth()
	return user
}
