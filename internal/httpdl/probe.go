// Package httpdl implements a segmented HTTP downloader: a HEAD-probing
// range prober followed by a multi-connection segmented fetch, grounded
// on the worker/balancer shape of the pack's surge-downloader concurrent
// downloader.
package httpdl

import (
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/dlrain/internal/model"
)

// Capabilities is what a HEAD request reveals about the remote resource.
type Capabilities struct {
	ContentLength     *int64
	SupportsRange     bool
	ETag              string
	LastModified      string
	SuggestedFilename string
}

// RangeProbe issues a HEAD request to determine whether url supports
// partial content and how large it is.
func RangeProbe(client *http.Client, rawurl, userAgent string, headers []model.Header) (Capabilities, error) {
	req, err := http.NewRequest(http.MethodHead, rawurl, nil)
	if err != nil {
		return Capabilities{}, model.InvalidInput("url", "%s", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Capabilities{}, model.Network(model.NetOther, 0, "HEAD %s: %s", rawurl, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Capabilities{}, model.Network(model.NetHTTPStatus, resp.StatusCode, "HEAD %s: %s", rawurl, resp.Status)
	}

	caps := Capabilities{
		SupportsRange: strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			caps.ContentLength = &n
		}
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		caps.SuggestedFilename = filenameFromContentDisposition(cd)
	}
	if caps.SuggestedFilename == "" {
		caps.SuggestedFilename = filenameFromURL(rawurl)
	}
	return caps, nil
}

// filenameFromContentDisposition handles both the plain filename= form and
// the RFC 5987 filename*=charset''value form. mime.ParseMediaType already
// resolves the RFC 2231/5987 star form into the plain "filename" key.
func filenameFromContentDisposition(header string) string {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func filenameFromURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "download"
	}
	name := u.Path
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return "download"
	}
	unescaped, err := url.QueryUnescape(name)
	if err != nil {
		return name
	}
	return unescaped
}

// PartitionSegments applies the segment-count formula:
// num = max(1, min(maxConnections, max(1, totalSize/minSegmentSize))).
func PartitionSegments(totalSize int64, maxConnections int, minSegmentSize int64) []model.Segment {
	num := segmentCount(totalSize, maxConnections, minSegmentSize)
	segSize := totalSize / int64(num)
	segs := make([]model.Segment, num)
	for i := 0; i < num; i++ {
		start := int64(i) * segSize
		end := start + segSize - 1
		if i == num-1 {
			end = totalSize - 1
		}
		segs[i] = model.Segment{Index: i, Start: start, End: end, State: model.SegPending}
	}
	return segs
}

func segmentCount(totalSize int64, maxConnections int, minSegmentSize int64) int {
	if totalSize <= 0 {
		return 1
	}
	bySize := int(totalSize / minSegmentSize)
	if bySize < 1 {
		bySize = 1
	}
	num := maxConnections
	if bySize < num {
		num = bySize
	}
	if num < 1 {
		num = 1
	}
	return num
}

// ValidateResume checks whether a previously probed resource is still the
// same file, using If-Range/ETag semantics: a changed ETag or
// Last-Modified invalidates any saved segment state.
func ValidateResume(saved, current Capabilities) bool {
	if saved.ETag != "" && current.ETag != "" {
		return saved.ETag == current.ETag
	}
	if saved.LastModified != "" && current.LastModified != "" {
		return saved.LastModified == current.LastModified
	}
	// No validator available; fall back to comparing sizes.
	return saved.ContentLength != nil && current.ContentLength != nil &&
		*saved.ContentLength == *current.ContentLength
}
