package storagekit

import (
	"mime"
	"strings"

	"github.com/gobeaver/storagekit/fspath"
)

// Common MIME types
const (
	MIMETypeTextPlain       = "text/plain"
	MIMETypeApplicationJSON = "application/json"
)

// extensionToMIME wins over the platform mime table, which differs between
// systems and adds charset parameters.
var extensionToMIME = map[string]string{
	".txt":  MIMETypeTextPlain,
	".log":  MIMETypeTextPlain,
	".md":   "text/markdown",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": MIMETypeApplicationJSON,
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
}

// ContentTypeOf guesses the content type stored with an object from its
// name. It returns "" when nothing is known, leaving the backend default.
func ContentTypeOf(p fspath.Path) string {
	name := p.Name()
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	ext := strings.ToLower(name[i:])
	if ct, ok := extensionToMIME[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}
