package middleware

import (
	"github.com/gin-gonic/gin"

	"fibreel-media/internal/transport/httpdto"
	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

// ErrorHandler maps errors attached via c.Error to the wire envelope. The
// kind decides the HTTP status and the stable code; hints ride along when
// the error carries one. Handlers that already wrote a response are left
// alone.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		kind := apperrors.KindOf(err)
		status := kind.HTTPStatus()

		if l != nil {
			log := l.WithContext(c.Request.Context())
			if status >= 500 {
				log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			} else {
				log.Debugf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			}
		}

		c.JSON(status, httpdto.NewErrorResponseWithHint(err.Error(), kind.Code(), apperrors.HintOf(err)))
	}
}
