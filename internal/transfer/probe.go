package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds redirect resolution and size probes.
const DefaultProbeTimeout = 10 * time.Second

// ContentRange is a parsed Content-Range header. Total is -1 when the server
// sent "*".
type ContentRange struct {
	Start int64
	End   int64
	Total int64
	// Unsatisfied is true for the "bytes */N" form sent with 416.
	Unsatisfied bool
}

// ParseContentRange parses "bytes a-b/N", "bytes a-b/*" and "bytes */N".
func ParseContentRange(s string) (ContentRange, error) {
	cr := ContentRange{Total: -1}
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "bytes ")
	if !ok {
		return cr, fmt.Errorf("content-range %q: missing bytes unit", s)
	}
	span, total, ok := strings.Cut(strings.TrimSpace(rest), "/")
	if !ok {
		return cr, fmt.Errorf("content-range %q: missing total", s)
	}
	if total != "*" {
		n, err := strconv.ParseInt(total, 10, 64)
		if err != nil || n < 0 {
			return cr, fmt.Errorf("content-range %q: bad total", s)
		}
		cr.Total = n
	}
	if span == "*" {
		if cr.Total < 0 {
			return cr, fmt.Errorf("content-range %q: no span and no total", s)
		}
		cr.Unsatisfied = true
		return cr, nil
	}
	a, b, ok := strings.Cut(span, "-")
	if !ok {
		return cr, fmt.Errorf("content-range %q: bad span", s)
	}
	start, err1 := strconv.ParseInt(a, 10, 64)
	end, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return cr, fmt.Errorf("content-range %q: bad span", s)
	}
	if cr.Total >= 0 && end >= cr.Total {
		return cr, fmt.Errorf("content-range %q: span beyond total", s)
	}
	cr.Start, cr.End = start, end
	return cr, nil
}

// ProbeResult is what a size probe learned about the remote artifact.
type ProbeResult struct {
	// Size in bytes; -1 when the server did not say.
	Size int64
	// FinalURL is the URL after redirects.
	FinalURL string
	// AcceptsRanges is true when the server answered the probe with 206.
	AcceptsRanges bool
}

// ProbeSize asks for the first byte with "Range: bytes=0-0" and derives the
// full size from Content-Range, or from Content-Length when the server
// ignores ranges.
func ProbeSize(ctx context.Context, c *http.Client, rawURL string, timeout time.Duration) (ProbeResult, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res := ProbeResult{Size: -1, FinalURL: rawURL}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return res, Wrap(KindHTTPStatus, "probe", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.Do(req)
	if err != nil {
		return res, ClassifyDoError("probe", err)
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused; never the whole body.
	defer io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
	}
	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable:
		res.AcceptsRanges = resp.StatusCode == http.StatusPartialContent
		cr, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return res, &Error{Kind: KindRangeMismatch, Op: "probe", URL: rawURL, Status: resp.StatusCode, Err: err}
		}
		res.Size = cr.Total
		return res, nil
	case http.StatusOK:
		res.Size = resp.ContentLength
		return res, nil
	default:
		return res, StatusError("probe", rawURL, resp.StatusCode)
	}
}

// ClassifyDoError turns an http.Client.Do error into a typed error. Errors
// already classified (e.g., a redirect loop from CheckRedirect) pass through.
func ClassifyDoError(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return Wrap(KindNetwork, op, err)
}
