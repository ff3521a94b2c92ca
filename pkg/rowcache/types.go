package rowcache

import (
	"fmt"

	"github.com/go-go-golems/gridfeed/pkg/payload"
)

// WindowRequest asks for the half-open row range [Start, End) of the dataset view
// identified by ContextKey. Two requests are the same logical request iff all three
// fields are equal; the struct is used directly as the cache key.
type WindowRequest struct {
	Start      int    `json:"start" msgpack:"start"`
	End        int    `json:"end" msgpack:"end"`
	ContextKey string `json:"context_key" msgpack:"context_key"`
}

func (r WindowRequest) Valid() bool {
	return r.Start >= 0 && r.End > r.Start
}

func (r WindowRequest) String() string {
	return fmt.Sprintf("[%d,%d)@%s", r.Start, r.End, r.ContextKey)
}

// WindowResponse answers a WindowRequest. Request must equal the request the fetcher was
// called with. Rows cover positions [Request.Start, Request.Start+len(rows)) and may be a
// columnar payload. TotalLength is the size of the whole dataset view.
type WindowResponse struct {
	Request     WindowRequest       `json:"request" msgpack:"request"`
	Rows        payload.DataPayload `json:"rows" msgpack:"rows"`
	TotalLength int                 `json:"total_length" msgpack:"total_length"`
}

// Window is a settled, decoded response as handed to listeners.
type Window struct {
	Request     WindowRequest
	Rows        []payload.Row
	TotalLength int
}

// Slice returns the rows at absolute positions [start, min(end, TotalLength)).
// Positions outside what the window holds are cut off rather than padded.
func (w Window) Slice(start, end int) []payload.Row {
	if end > w.TotalLength {
		end = w.TotalLength
	}
	lo := start - w.Request.Start
	hi := end - w.Request.Start
	if lo < 0 {
		lo = 0
	}
	if hi > len(w.Rows) {
		hi = len(w.Rows)
	}
	if hi <= lo {
		return []payload.Row{}
	}
	return w.Rows[lo:hi]
}

// Fetcher starts fetching a window out of band. It must not block waiting for the
// result; the collaborator later delivers the result via Cache.SubmitResponse.
type Fetcher interface {
	Fetch(req WindowRequest)
}

type FetcherFunc func(req WindowRequest)

func (f FetcherFunc) Fetch(req WindowRequest) { f(req) }

// Stats counts cache activity since construction.
type Stats struct {
	Fetches    int
	Hits       int
	Coalesced  int
	Applied    int
	Stale      int
	Unmatched  int
	Duplicates int
	Evictions  int
}

// Submitter accepts responses delivered by a transport. *Cache implements it.
type Submitter interface {
	SubmitResponse(resp WindowResponse) bool
}

var _ Submitter = &Cache{}
