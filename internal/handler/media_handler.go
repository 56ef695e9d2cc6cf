package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"fibreel-media/internal/services"
	"fibreel-media/internal/storage"
	"fibreel-media/internal/transport/httpdto"
	apperrors "fibreel-media/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MediaHandler struct {
	service *services.MediaService
}

func NewMediaHandler(service *services.MediaService) *MediaHandler {
	return &MediaHandler{service: service}
}

// Segments returns the merged artifact metadata for a challenge: per-statement
// timecodes, total duration, and the media URL. Clients use it to seek to one
// statement without downloading the whole file.
func (h *MediaHandler) Segments(c *gin.Context) {
	challengeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "invalid challenge id"))
		return
	}

	artifact, err := h.service.Segments(c.Request.Context(), challengeID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.NewMergedVideoMetadata(artifact)))
}

// Stream serves the merged video bytes. Range requests answer 206 with the
// requested slice so players can scrub; everything else streams the whole
// object.
func (h *MediaHandler) Stream(c *gin.Context) {
	artifactID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "invalid media id"))
		return
	}

	artifact, obj, err := h.service.OpenArtifact(c.Request.Context(), artifactID, c.GetHeader("Range"))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			c.Header("Content-Range", "bytes */"+strconv.FormatInt(artifactSize(h, c, artifactID), 10))
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		c.Error(err)
		return
	}
	defer obj.Body.Close()

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", contentTypeOf(artifact.MimeType, obj.ContentType))
	c.Header("Content-Length", strconv.FormatInt(obj.ContentLength, 10))

	status := http.StatusOK
	if obj.ContentRange != "" {
		c.Header("Content-Range", obj.ContentRange)
		status = http.StatusPartialContent
	}
	c.Status(status)

	if _, err := io.Copy(c.Writer, obj.Body); err != nil {
		// Headers are gone; nothing to do but note the broken stream.
		_ = c.Error(err)
	}
}

func contentTypeOf(artifactMime, objectMime string) string {
	if artifactMime != "" {
		return artifactMime
	}
	if objectMime != "" {
		return objectMime
	}
	return "application/octet-stream"
}

// artifactSize resolves the full object size for the Content-Range header of
// a 416 response. Best effort; zero when the artifact is gone.
func artifactSize(h *MediaHandler, c *gin.Context, artifactID uuid.UUID) int64 {
	artifact, err := h.service.Artifact(c.Request.Context(), artifactID)
	if err != nil {
		return 0
	}
	return artifact.SizeBytes
}
