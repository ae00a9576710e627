package upstream

import (
	"net/http"
	"time"
)

// HTTPDoer abstracts the HTTP client for deterministic testing
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clock abstracts time for deterministic testing
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
