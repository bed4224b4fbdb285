package security

import "net/http"

// BodySizeLimit caps request bodies at max bytes. Readers past the cap get
// *http.MaxBytesError, which the schema validator reports as 413.
func BodySizeLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max > 0 && r.Body != nil {
				if r.ContentLength > max {
					WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
