package capture

import (
	"net/http"
	"net/textproto"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
	"golang.org/x/net/http/httpguts"

	"github.com/jnovack/capture-server/pkg/storage"
)

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = bulk.SliceToSet([]string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
})

// removeHopByHop deletes the static hop-by-hop set plus any header named as
// a token of the Connection header.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = textproto.TrimString(token)
			if httpguts.ValidHeaderFieldName(token) {
				h.Del(token)
			}
		}
	}
	for name := range h {
		if _, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(name)]; ok {
			delete(h, name)
		}
	}
}

// isUpgrade reports whether r asks to switch protocols.
func isUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header.Values("Connection"), "upgrade")
}

// HeadersFromHTTP flattens h into ordered pairs: names sorted, values in arrival order.
func HeadersFromHTTP(h http.Header) storage.Headers {
	names := bulk.MapKeysSlice(h)
	slices.Sort(names)

	out := make(storage.Headers, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, storage.Header{Name: name, Value: v})
		}
	}
	return out
}

// headersFromRequest is HeadersFromHTTP with the Host header, which net/http
// moves out of r.Header, restored in front.
func headersFromRequest(r *http.Request) storage.Headers {
	hdrs := HeadersFromHTTP(r.Header)
	if r.Host == "" {
		return hdrs
	}
	return append(storage.Headers{{Name: "Host", Value: r.Host}}, hdrs...)
}
