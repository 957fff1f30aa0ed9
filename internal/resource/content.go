package resource

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

// chardet emits a few names that are not WHATWG encoding labels
var labelFixes = map[string]string{
	"gb-18030": "gb18030",
}

// normalizeContent determines the payload's media type, decodes legacy
// text charsets to UTF-8 and reports what it did. Binary payloads pass
// through untouched.
func normalizeContent(body []byte, contentType string) (mediaType, cs string, out []byte) {
	mediaType, params := parseContentType(contentType)
	if mediaType == "" {
		// Server said nothing useful; sniff the bytes
		detected := mimetype.Detect(body)
		mediaType, params = parseContentType(detected.String())
	}

	if !isTextType(mediaType) {
		return mediaType, "", body
	}

	cs = strings.ToLower(params["charset"])
	if cs == "" {
		cs = sniffCharset(body, contentType)
	}
	if fixed, ok := labelFixes[cs]; ok {
		cs = fixed
	}
	if cs == "" || cs == "utf-8" || cs == "utf8" || cs == "us-ascii" || cs == "ascii" {
		return mediaType, "utf-8", body
	}

	enc, canonical := charset.Lookup(cs)
	if enc == nil {
		return mediaType, cs, body
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return mediaType, cs, body
	}
	return mediaType, canonical, decoded
}

func parseContentType(header string) (string, map[string]string) {
	if header == "" {
		return "", nil
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", nil
	}
	return mediaType, params
}

func isTextType(mediaType string) bool {
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/json",
		mediaType == "application/javascript",
		mediaType == "application/xml":
		return true
	case strings.HasSuffix(mediaType, "+xml"),
		strings.HasSuffix(mediaType, "+json"):
		return true
	}
	return false
}

// sniffCharset consults the HTML prescan first (BOM, meta tags) and falls
// back to statistical detection for the rest.
func sniffCharset(body []byte, contentType string) string {
	_, name, certain := charset.DetermineEncoding(body, contentType)
	if certain {
		return name
	}

	best, err := chardet.NewTextDetector().DetectBest(body)
	if err == nil && best.Confidence >= 50 {
		return strings.ToLower(best.Charset)
	}
	return name
}
