package errs

import (
	"github.com/gin-gonic/gin"
)

// Body is the JSON shape of every error response.
type Body struct {
	Error Detail `json:"error"`
}

// Detail carries the stable code and an i18n-ready message.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Abort writes err as a typed JSON error response and stops the handler chain.
func Abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(Status(err), Body{Error: Detail{Code: Code(err), Message: Message(err)}})
}

// AbortWith writes an explicit code and message.
func AbortWith(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Body{Error: Detail{Code: code, Message: message}})
}
