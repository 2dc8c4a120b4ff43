package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizePrefix normalizes a pass-through prefix to "/x" form with no
// trailing slash. "" and "/" yield "".
func sanitizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func sanitizePrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if s := sanitizePrefix(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// matchPrefix reports whether path is prefix itself or lies below it.
// "/mcpx" does not match "/mcp".
func matchPrefix(prefix, path string) bool {
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
