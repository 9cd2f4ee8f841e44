package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/httpmw"
)

// placeholderPage is served when no frontend build is present.
const placeholderPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>webai</title></head>
<body>
<h1>webai</h1>
<p>No frontend build was found at the configured static directory.
The HTTP API is available under <code>/api</code>.</p>
</body>
</html>
`

// SPA is the NoRoute handler: unknown /api paths get a JSON 404, anything
// else serves the built frontend with an index.html fallback for client
// side routes.
func (h *Handler) SPA(c *gin.Context) {
	path := c.Request.URL.Path
	if path == "/api" || strings.HasPrefix(path, "/api/") {
		httpmw.WriteError(c, h.logger, &apperrors.AppError{
			Code:       apperrors.ErrCodeNotFound,
			Message:    "Route not found.",
			HTTPStatus: http.StatusNotFound,
		})
		return
	}
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		httpmw.WriteError(c, h.logger, &apperrors.AppError{
			Code:       apperrors.ErrCodeNotFound,
			Message:    "Route not found.",
			HTTPStatus: http.StatusNotFound,
		})
		return
	}

	if dir := h.headCfg.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			// Clean before joining so "../" cannot escape the dist dir.
			file := filepath.Join(dir, filepath.Clean("/"+path))
			if serveStatic(c, file) {
				return
			}
			if serveStatic(c, filepath.Join(dir, "index.html")) {
				return
			}
		}
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(placeholderPage))
}

// serveStatic writes a regular file to the response. Unlike http.ServeFile
// it does not re-check the request URL, which for fallback routes like
// "/a/../b" would 400 before the path was ever cleaned.
func serveStatic(c *gin.Context, file string) bool {
	f, err := os.Open(file)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	return true
}
