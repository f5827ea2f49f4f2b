package policy

import (
	"context"
	"net/http"
	"time"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/shared"
)

// WindowSource lists the windows the engine should weigh. Rows that are
// still OPEN but past closes_at belong in the list so a rejection can say
// the window lapsed.
type WindowSource func(ctx context.Context) ([]Window, error)

// Gate asks c whether target is reachable at now and returns nil or an
// off_by_policy error. Windows are only fetched when the base allow-set does
// not cover the target.
func Gate(ctx context.Context, c Checker, windows WindowSource, target string, now time.Time) error {
	d := c.Evaluate(target, nil, now)
	if !d.Allowed && windows != nil {
		ws, err := windows(ctx)
		if err != nil {
			return apierr.Wrap(apierr.CodeUpstreamUnreachable, err, "cannot read active windows").
				WithRetryAfter(apierr.DefaultRetryAfter)
		}
		d = c.Evaluate(target, ws, now)
	}
	if d.Allowed {
		return nil
	}
	e := apierr.New(apierr.CodeOffByPolicy, "%s", d.Reason).
		WithRetryAfter(d.RetryAfter).
		WithDetail("target", target).
		WithDetail("policy_version", d.PolicyVersion)
	if d.WindowID != "" {
		e = e.WithDetail("window_id", d.WindowID)
	}
	e.Policy = string(d.Mode)
	return e
}

// Middleware rejects requests with the off_by_policy envelope while target is
// off. A nil checker admits everything.
func Middleware(c Checker, windows WindowSource, clock shared.Clock, target string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Gate(r.Context(), c, windows, target, clock.Now()); err != nil {
				apierr.Write(w, err, shared.CorrelationID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
