package resource

import (
	"encoding/base64"
	"fmt"
	"html"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const aboutBlankHTML = "<!DOCTYPE html><html><head><title></title></head><body></body></html>"

// handleAbout serves the built-in about: pages. about:crash exists to
// exercise the pipeline failure path on demand.
func (s *Service) handleAbout(u *url.URL) Response {
	switch u.Opaque {
	case "blank", "":
		return Response{
			URL:       u.String(),
			Body:      []byte(aboutBlankHTML),
			MediaType: "text/html",
			Charset:   "utf-8",
			Status:    200,
		}
	case "crash":
		return Response{URL: u.String(), Err: ErrCrashRequested}
	default:
		return Response{URL: u.String(), Err: fmt.Errorf("%w: about:%s", ErrNotFound, u.Opaque)}
	}
}

// handleData decodes data: URLs of the form
// data:[<mediatype>][;base64],<payload>.
func (s *Service) handleData(rawURL string) Response {
	rest, ok := strings.CutPrefix(rawURL, "data:")
	if !ok {
		return Response{URL: rawURL, Err: ErrBadURL}
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Response{URL: rawURL, Err: fmt.Errorf("%w: data url missing comma", ErrBadURL)}
	}

	isBase64 := false
	if str, found := strings.CutSuffix(meta, ";base64"); found {
		isBase64 = true
		meta = str
	}

	var body []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Response{URL: rawURL, Err: fmt.Errorf("%w: bad base64 payload: %v", ErrBadURL, err)}
		}
		body = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return Response{URL: rawURL, Err: fmt.Errorf("%w: bad payload escaping: %v", ErrBadURL, err)}
		}
		body = []byte(unescaped)
	}

	if meta == "" {
		meta = "text/plain;charset=US-ASCII"
	}
	mediaType, cs, body := normalizeContent(body, meta)
	return Response{
		URL:       rawURL,
		Body:      body,
		MediaType: mediaType,
		Charset:   cs,
		Status:    200,
	}
}

// handleFile serves local files, jailed under FileRoot when configured.
// Directories render as a generated index page.
func (s *Service) handleFile(u *url.URL) Response {
	path := filepath.FromSlash(u.Path)
	if s.cfg.FileRoot != "" {
		root, err := filepath.Abs(s.cfg.FileRoot)
		if err != nil {
			return Response{URL: u.String(), Err: fmt.Errorf("resource: file root: %w", err)}
		}
		path = filepath.Join(root, path)
		if !strings.HasPrefix(path, root+string(filepath.Separator)) && path != root {
			return Response{URL: u.String(), Err: fmt.Errorf("%w: escapes file root", ErrBlocked)}
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return Response{URL: u.String(), Err: fmt.Errorf("%w: %s", ErrNotFound, u.Path)}
	}

	if info.IsDir() {
		body, err := directoryIndex(path, u.Path)
		if err != nil {
			return Response{URL: u.String(), Err: fmt.Errorf("resource: list directory: %w", err)}
		}
		return Response{URL: u.String(), Body: body, MediaType: "text/html", Charset: "utf-8", Status: 200}
	}

	if info.Size() > s.cfg.MaxBodySize {
		return Response{URL: u.String(), Err: fmt.Errorf("%w: over %d bytes", ErrTooLarge, s.cfg.MaxBodySize)}
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return Response{URL: u.String(), Err: fmt.Errorf("resource: read file: %w", err)}
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}
	mediaType, cs, body := normalizeContent(body, contentType)
	return Response{
		URL:       u.String(),
		Body:      body,
		MediaType: mediaType,
		Charset:   cs,
		Status:    200,
	}
}

func directoryIndex(path, display string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<!DOCTYPE html><html><head><title>Index of %s</title></head><body>", html.EscapeString(display))
	fmt.Fprintf(&sb, "<h1>Index of %s</h1><ul>", html.EscapeString(display))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		escaped := html.EscapeString(name)
		fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, escaped, escaped)
	}
	sb.WriteString("</ul></body></html>")
	return []byte(sb.String()), nil
}
