package readinesshttp

// SelfCheckResponse is the static /dummy body.
type SelfCheckResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ErrorResponse is returned for requests rejected before any probing.
type ErrorResponse struct {
	Error string `json:"error"`
}

// bulkRequest is the object form of a /health/bulk body. A bare JSON array
// of URLs is accepted as well.
type bulkRequest struct {
	URLs []string `json:"urls"`
}
