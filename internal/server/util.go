package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// sanitizeBase normalizes a mount path to "" or "/a/b".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}

func writeError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, errorResp{Error: err.Error()})
}
