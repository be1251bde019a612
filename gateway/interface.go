package gateway

import "net/http"

// HTTPHandler is implemented by components that expose HTTP routes on a
// shared mux.
type HTTPHandler interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}
