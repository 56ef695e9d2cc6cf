package handler

import (
	"net/http"
	"strconv"

	"fibreel-media/config"
	"fibreel-media/internal/services"
	"fibreel-media/internal/transport/httpdto"
	apperrors "fibreel-media/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type UploadHandler struct {
	service *services.UploadService
	cfg     config.UploadConfig
}

func NewUploadHandler(service *services.UploadService, cfg config.UploadConfig) *UploadHandler {
	return &UploadHandler{service: service, cfg: cfg}
}

// Initiate opens an upload session for one statement clip.
func (h *UploadHandler) Initiate(c *gin.Context) {
	ownerID, ok := services.OwnerIDFromContext(c.Request.Context())
	if !ok {
		c.Error(apperrors.ErrUnauthorized)
		return
	}

	var req httpdto.InitiateUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}

	session, err := h.service.Initiate(c.Request.Context(), services.InitiateUploadInput{
		OwnerID:          ownerID,
		StatementIndex:   *req.StatementIndex,
		DeclaredSize:     req.DeclaredSize,
		MimeType:         req.MimeType,
		DeclaredHash:     req.DeclaredHash,
		DeclaredDuration: req.DeclaredDurationSec,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.NewInitiateUploadResponse(session, h.cfg.MaxChunkSize)))
}

// Chunk ingests one raw byte range of the session's file. The offset is
// taken from the query string, the length from Content-Length; chunked
// transfer encoding is rejected because the declared length is part of the
// range bookkeeping.
func (h *UploadHandler) Chunk(c *gin.Context) {
	ownerID, ok := services.OwnerIDFromContext(c.Request.Context())
	if !ok {
		c.Error(apperrors.ErrUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "invalid upload session id"))
		return
	}

	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "offset query parameter must be a non-negative integer"))
		return
	}

	length := c.Request.ContentLength
	if length <= 0 {
		c.Error(apperrors.New(apperrors.KindValidation, "chunk requests must carry a Content-Length"))
		return
	}

	received, err := h.service.IngestChunk(c.Request.Context(), ownerID, sessionID, offset, length, c.Request.Body)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ChunkResponse{
		SessionID:     sessionID.String(),
		ReceivedBytes: received,
	}))
}

// Complete verifies the assembled upload and finalizes the session.
func (h *UploadHandler) Complete(c *gin.Context) {
	ownerID, ok := services.OwnerIDFromContext(c.Request.Context())
	if !ok {
		c.Error(apperrors.ErrUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "invalid upload session id"))
		return
	}

	var req httpdto.CompleteUploadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
			return
		}
	}

	session, err := h.service.Complete(c.Request.Context(), ownerID, sessionID, req.FullFileHash)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.NewCompleteUploadResponse(session)))
}

// Status reports session progress including the byte ranges still missing.
func (h *UploadHandler) Status(c *gin.Context) {
	ownerID, ok := services.OwnerIDFromContext(c.Request.Context())
	if !ok {
		c.Error(apperrors.ErrUnauthorized)
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "invalid upload session id"))
		return
	}

	session, missing, err := h.service.Status(c.Request.Context(), ownerID, sessionID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.NewUploadStatusResponse(session, missing)))
}
