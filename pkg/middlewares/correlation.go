package middlewares

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
)

var correlationIDRegexp = regexp.MustCompile(`^[\w-_]{3,25}$`)

type CorrelationMw struct {
	headerName string
	next       http.Handler
}

func NewCorrelationMw(headerName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewCorrelation(headerName, next)
	}
}

func NewCorrelation(headerName string, next http.Handler) *CorrelationMw {
	return &CorrelationMw{headerName: headerName, next: next}
}

// Echo the caller's correlation header back on the response so round trips
// can be matched up in the presentation layer's logs
func (mw *CorrelationMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if id, ok := mw.validateID(r); ok {
		rw.Header().Set(mw.headerName, id)
	}

	mw.next.ServeHTTP(rw, r)
}

func (mw *CorrelationMw) validateID(r *http.Request) (string, bool) {
	ids, ok := r.Header[http.CanonicalHeaderKey(mw.headerName)]
	if !ok {
		return "", false
	}

	// Replace anything that doesn't look like an ID so log lines stay clean
	id := ids[0]
	if !correlationIDRegexp.MatchString(id) {
		return "<Bad_Correlation_Id>", true
	}

	return id, true
}
