package handlers

import (
	"encoding/xml"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/middleware"
	"torrent-vault/services"
	"torrent-vault/session"

	"github.com/gin-gonic/gin"
)

// WebDAVHandler is a read-only WebDAV view of each user's payload files.
// /webdav/ lists torrents, /webdav/<hash>/ lists files and
// /webdav/<hash>/<path> serves a completed file.
type WebDAVHandler struct {
	torrentService *services.TorrentService
}

func NewWebDAVHandler(torrentService *services.TorrentService) *WebDAVHandler {
	return &WebDAVHandler{torrentService: torrentService}
}

// Register mounts the handler on g for every method a WebDAV client sends.
func (h *WebDAVHandler) Register(g *gin.RouterGroup) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND"} {
		g.Handle(m, "/*path", h.Handle)
	}
	for _, m := range []string{http.MethodPut, http.MethodDelete, http.MethodPost, "MKCOL", "MOVE", "COPY", "PROPPATCH", "LOCK", "UNLOCK"} {
		g.Handle(m, "/*path", func(c *gin.Context) {
			c.Header("Allow", allowHeader)
			c.Status(http.StatusMethodNotAllowed)
		})
	}
}

const allowHeader = "OPTIONS, GET, HEAD, PROPFIND"

func (h *WebDAVHandler) Handle(c *gin.Context) {
	user := middleware.UserID(c)
	hash, filePath := splitDAVPath(c.Param("path"))

	switch c.Request.Method {
	case http.MethodOptions:
		c.Header("DAV", "1")
		c.Header("Allow", allowHeader)
		c.Status(http.StatusOK)
	case "PROPFIND":
		h.handlePropfind(c, user, hash, filePath)
	default:
		if hash == "" {
			h.serveRootListing(c, user)
			return
		}
		if filePath == "" {
			h.serveDirectoryListing(c, user, hash)
			return
		}
		h.handleGet(c, user, hash, filePath)
	}
}

// splitDAVPath turns "/<hash>/a/b.txt" into the hash and "a/b.txt".
func splitDAVPath(p string) (string, string) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return "", ""
	}
	hash, rest, _ := strings.Cut(p, "/")
	return strings.ToLower(hash), rest
}

func (h *WebDAVHandler) handleGet(c *gin.Context, user, hash, filePath string) {
	f, fs, err := h.torrentService.OpenFile(user, hash, filePath)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.Validation {
			c.String(http.StatusConflict, "File is not complete yet")
			return
		}
		c.String(statusFor(apperrors.KindOf(err)), "File not found")
		return
	}
	defer f.Close()

	var modTime time.Time
	if fi, err := f.Stat(); err == nil {
		modTime = fi.ModTime()
	}
	c.Header("Content-Type", getMimeType(filePath))
	c.Header("ETag", generateETag(hash, filePath, fs.Length))
	c.Header("Cache-Control", "private, max-age=3600")
	http.ServeContent(c.Writer, c.Request, path.Base(filePath), modTime, f)
}

// ownedTorrent is the user's session state for hash, or nil.
func (h *WebDAVHandler) ownedTorrent(user, hash string) *session.State {
	for _, st := range h.torrentService.GetAll(user) {
		if st.InfoHash == hash {
			return &st
		}
	}
	return nil
}

func (h *WebDAVHandler) serveRootListing(c *gin.Context, user string) {
	var b strings.Builder
	writeHTMLHead(&b, "Torrents")
	for _, st := range h.torrentService.GetAll(user) {
		fmt.Fprintf(&b, `<li><a href="/webdav/%s/">%s</a> <span class="size">(%s, %s, %.0f%%)</span></li>`,
			st.InfoHash, html.EscapeString(displayName(st)), formatFileSize(st.Size), st.Status, st.Progress*100)
	}
	b.WriteString("</ul>\n</body>\n</html>")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

func (h *WebDAVHandler) serveDirectoryListing(c *gin.Context, user, hash string) {
	st := h.ownedTorrent(user, hash)
	if st == nil {
		c.String(http.StatusNotFound, "Torrent not found")
		return
	}
	files, err := h.torrentService.Files(user, hash)
	if err != nil {
		c.String(statusFor(apperrors.KindOf(err)), err.Error())
		return
	}

	var b strings.Builder
	writeHTMLHead(&b, displayName(*st))
	for _, f := range files {
		name := strings.Join(f.Path, "/")
		size := formatFileSize(f.Length)
		if f.Completed < f.Length {
			fmt.Fprintf(&b, `<li><span class="pending">%s</span> <span class="size">(%s, %.0f%%)</span></li>`,
				html.EscapeString(name), size, float64(f.Completed)*100/float64(max(f.Length, 1)))
			continue
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a> <span class="size">(%s)</span></li>`,
			fileHref(hash, f.Path), html.EscapeString(name), size)
	}
	b.WriteString(`</ul>
<p><a href="/webdav/">Back</a></p>
</body>
</html>`)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

func writeHTMLHead(b *strings.Builder, title string) {
	fmt.Fprintf(b, `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>%s</title>
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
ul { list-style: none; padding: 0; }
li { padding: 8px; border-bottom: 1px solid #eee; }
a { text-decoration: none; color: #0366d6; }
.size { color: #666; font-size: 0.9em; }
.pending { color: #999; }
</style>
</head>
<body>
<h1>%s</h1>
<ul>
`, html.EscapeString(title), html.EscapeString(title))
}

type multistatus struct {
	XMLName   xml.Name      `xml:"D:multistatus"`
	XMLNS     string        `xml:"xmlns:D,attr"`
	Responses []davResponse `xml:"D:response"`
}

type davResponse struct {
	Href     string      `xml:"D:href"`
	Propstat davPropstat `xml:"D:propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"D:prop"`
	Status string  `xml:"D:status"`
}

type davProp struct {
	DisplayName   string           `xml:"D:displayname"`
	ResourceType  *davResourceType `xml:"D:resourcetype"`
	ContentLength *int64           `xml:"D:getcontentlength,omitempty"`
	ContentType   string           `xml:"D:getcontenttype,omitempty"`
	LastModified  string           `xml:"D:getlastmodified,omitempty"`
}

type davResourceType struct {
	Collection *struct{} `xml:"D:collection"`
}

func collection(href, name string, modified time.Time) davResponse {
	return davResponse{
		Href: href,
		Propstat: davPropstat{
			Prop: davProp{
				DisplayName:  name,
				ResourceType: &davResourceType{Collection: &struct{}{}},
				LastModified: modified.UTC().Format(http.TimeFormat),
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func resource(href, name string, length int64, modified time.Time) davResponse {
	return davResponse{
		Href: href,
		Propstat: davPropstat{
			Prop: davProp{
				DisplayName:   name,
				ResourceType:  &davResourceType{},
				ContentLength: &length,
				ContentType:   getMimeType(name),
				LastModified:  modified.UTC().Format(http.TimeFormat),
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

// handlePropfind answers Depth 0 and 1. Depth infinity is treated as 1.
func (h *WebDAVHandler) handlePropfind(c *gin.Context, user, hash, filePath string) {
	depth0 := c.GetHeader("Depth") == "0"
	var out []davResponse

	switch {
	case hash == "":
		out = append(out, collection("/webdav/", "webdav", time.Now()))
		if !depth0 {
			for _, st := range h.torrentService.GetAll(user) {
				out = append(out, collection("/webdav/"+st.InfoHash+"/", displayName(st), st.AddedAt))
			}
		}
	default:
		st := h.ownedTorrent(user, hash)
		if st == nil {
			c.Status(http.StatusNotFound)
			return
		}
		files, err := h.torrentService.Files(user, hash)
		if err != nil {
			c.Status(statusFor(apperrors.KindOf(err)))
			return
		}
		if filePath == "" {
			out = append(out, collection("/webdav/"+hash+"/", displayName(*st), st.AddedAt))
			if !depth0 {
				for _, f := range files {
					if f.Completed == f.Length {
						out = append(out, resource(fileHref(hash, f.Path), f.Path[len(f.Path)-1], f.Length, st.AddedAt))
					}
				}
			}
			break
		}
		for _, f := range files {
			if strings.Join(f.Path, "/") == filePath && f.Completed == f.Length {
				out = append(out, resource(fileHref(hash, f.Path), f.Path[len(f.Path)-1], f.Length, st.AddedAt))
			}
		}
		if len(out) == 0 {
			c.Status(http.StatusNotFound)
			return
		}
	}

	body, err := xml.MarshalIndent(multistatus{XMLNS: "DAV:", Responses: out}, "", "  ")
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("DAV", "1")
	c.Data(http.StatusMultiStatus, "application/xml; charset=utf-8", append([]byte(xml.Header), body...))
}

func displayName(st session.State) string {
	if st.Name != "" {
		return st.Name
	}
	return st.InfoHash
}

func fileHref(hash string, parts []string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return "/webdav/" + hash + "/" + strings.Join(escaped, "/")
}

func generateETag(hash, filePath string, length int64) string {
	return fmt.Sprintf(`"%s-%x-%d"`, hash[:8], len(filePath), length)
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getMimeType(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	mimeTypes := map[string]string{
		".mp4":  "video/mp4",
		".mkv":  "video/x-matroska",
		".avi":  "video/x-msvideo",
		".mov":  "video/quicktime",
		".webm": "video/webm",
		".jpg":  "image/jpeg",
		".png":  "image/png",
		".pdf":  "application/pdf",
		".txt":  "text/plain; charset=utf-8",
		".srt":  "text/plain; charset=utf-8",
	}
	if mime, exists := mimeTypes[ext]; exists {
		return mime
	}
	return "application/octet-stream"
}
