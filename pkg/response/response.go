package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Message is the user-facing outcome description for non-success responses.
type Message struct {
	Type  string `json:"type"` // "error" or "info"
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message *Message    `json:"message,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Info sends a 200 "nothing to do" outcome, distinct from a hard failure.
func Info(c *gin.Context, title, text string) {
	c.JSON(http.StatusOK, Body{Success: false, Message: &Message{Type: "info", Title: title, Text: text}})
}

// BadRequest sends 400 with an error message.
func BadRequest(c *gin.Context, title, text string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Message: &Message{Type: "error", Title: title, Text: text}})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, text string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Message: &Message{Type: "error", Title: "Unauthorized", Text: text}})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, text string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Message: &Message{Type: "error", Title: "Forbidden", Text: text}})
}

// NotFound sends 404.
func NotFound(c *gin.Context, text string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Message: &Message{Type: "error", Title: "Not found", Text: text}})
}

// Internal sends 500.
func Internal(c *gin.Context, text string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Message: &Message{Type: "error", Title: "Internal error", Text: text}})
}
