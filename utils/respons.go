package utils

import (
	"github.com/gin-gonic/gin"
)

type JSONResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func RespondJSON(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(code, JSONResponse{
		Success: code >= 200 && code < 300,
		Message: message,
		Data:    data,
	})
}

// RespondError writes a failure envelope. message must be safe to show to
// customers; internal detail belongs in the logs.
func RespondError(c *gin.Context, code int, message string) {
	c.JSON(code, JSONResponse{
		Success: false,
		Message: message,
	})
}
