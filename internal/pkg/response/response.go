package response

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/webapi/proxyutil"
)

type codeErr struct {
	code uint32
	msg  string
}

func (e codeErr) Error() string {
	return e.msg
}

func (e codeErr) Code() uint32 {
	return e.code
}

func AsCodeErr(code uint32, msg string) error {
	return codeErr{code: code, msg: msg}
}

func Success(c *gin.Context, data interface{}) {
	proxyutil.SuccessJson(c, data)
}

func Error(c *gin.Context, code int, message string) {
	proxyutil.FailJson(c, 200, AsCodeErr(uint32(code), message))
}

// Status answers callers that only look at the HTTP status (webhook senders)
// with a flat {"status": ...} body instead of the code envelope.
func Status(c *gin.Context, httpStatus int, status string, fields gin.H) {
	body := gin.H{"status": status}
	for k, v := range fields {
		body[k] = v
	}
	c.AbortWithStatusJSON(httpStatus, body)
}
