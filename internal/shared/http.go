package shared

import "net/http"

// Headers carrying request-scoped identity between components.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderActor         = "X-Actor"
)

// RequestContext copies the correlation id and actor headers into the
// request context. actor is used when the caller sent none.
func RequestContext(actor string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if cid := r.Header.Get(HeaderCorrelationID); cid != "" {
				ctx = WithCorrelationID(ctx, cid)
			}
			a := r.Header.Get(HeaderActor)
			if a == "" {
				a = actor
			}
			ctx = WithActor(ctx, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PropagateHeaders sets the correlation id and actor from ctx on an
// outbound request.
func PropagateHeaders(req *http.Request) {
	ctx := req.Context()
	if cid := CorrelationID(ctx); cid != "" {
		req.Header.Set(HeaderCorrelationID, cid)
	}
	req.Header.Set(HeaderActor, Actor(ctx))
}
