package titanfs

import (
	"net/http"

	"gitlab.com/tozd/waf"
)

// HomeGet is a GET/HEAD HTTP request handler which returns the home page.
func (s *Service) HomeGet(w http.ResponseWriter, req *http.Request, _ waf.Params) {
	if s.ProxyStaticTo != "" {
		s.Proxy(w, req)
	} else {
		s.ServeStaticFile(w, req, "/index.html")
	}
}
