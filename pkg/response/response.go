package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the error envelope. Successful responses carry their fields next to "ok".
type Body struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// OK sends a 200 JSON response with the given fields and "ok": true.
func OK(c *gin.Context, fields gin.H) {
	out := gin.H{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	c.JSON(http.StatusOK, out)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Error: err})
}

// Conflict sends 409.
func Conflict(c *gin.Context, err string) {
	c.JSON(http.StatusConflict, Body{Error: err})
}

// TooLarge sends 413.
func TooLarge(c *gin.Context, err string) {
	c.JSON(http.StatusRequestEntityTooLarge, Body{Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Error: err})
}
