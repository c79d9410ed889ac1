package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "loom/internal/errors"
)

// envelope is the uniform response body: exactly one of Data or Error
// is set.
type envelope struct {
	Success bool                `json:"success"`
	Data    any                 `json:"data,omitempty"`
	Error   *apperrors.AppError `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondErr(c *gin.Context, err error) {
	appErr := apperrors.Ensure(err)
	c.JSON(appErr.HTTPStatus(), envelope{Success: false, Error: appErr})
}

// pathID parses a numeric path parameter, answering the 400 itself on
// garbage.
func pathID(c *gin.Context, name string) (int64, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondErr(c, apperrors.Newf(apperrors.CodeInvalidArgument, "Path parameter %q must be a positive integer.", name).
			WithContext(name, raw))
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondErr(c, apperrors.Wrap(err, apperrors.CodeInvalidJSON, "Request body is not valid JSON for this endpoint."))
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for endpoints where an empty body means
// "all defaults".
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, v)
}
