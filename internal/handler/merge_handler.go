package handler

import (
	"net/http"

	"fibreel-media/internal/domain/merge"
	"fibreel-media/internal/services"
	"fibreel-media/internal/transport/httpdto"
	apperrors "fibreel-media/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MergeHandler struct {
	service *services.MergeService
}

func NewMergeHandler(service *services.MergeService) *MergeHandler {
	return &MergeHandler{service: service}
}

// Submit registers a merge of three completed statement uploads.
func (h *MergeHandler) Submit(c *gin.Context) {
	ownerID, ok := services.OwnerIDFromContext(c.Request.Context())
	if !ok {
		c.Error(apperrors.ErrUnauthorized)
		return
	}

	var req httpdto.SubmitMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}

	input, err := submitInputFromRequest(ownerID, req)
	if err != nil {
		c.Error(err)
		return
	}

	session, err := h.service.Submit(c.Request.Context(), input)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, httpdto.NewSuccessResponse(httpdto.NewSubmitMergeResponse(session)))
}

// Status reports merge progress, the failed stage and error code on failure,
// and the artifact id once completed.
func (h *MergeHandler) Status(c *gin.Context) {
	ownerID, ok := services.OwnerIDFromContext(c.Request.Context())
	if !ok {
		c.Error(apperrors.ErrUnauthorized)
		return
	}

	mergeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.New(apperrors.KindValidation, "invalid merge session id"))
		return
	}

	doc, err := h.service.Status(c.Request.Context(), ownerID, mergeID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.NewMergeStatusResponse(doc)))
}

func submitInputFromRequest(ownerID uuid.UUID, req httpdto.SubmitMergeRequest) (services.SubmitMergeInput, error) {
	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		return services.SubmitMergeInput{}, apperrors.New(apperrors.KindValidation, "invalid challenge id")
	}
	if len(req.UploadSessionIDs) != merge.StatementCount {
		return services.SubmitMergeInput{}, apperrors.Newf(apperrors.KindValidation,
			"exactly %d upload session ids are required", merge.StatementCount)
	}
	if len(req.StatementTypes) != 0 && len(req.StatementTypes) != merge.StatementCount {
		return services.SubmitMergeInput{}, apperrors.Newf(apperrors.KindValidation,
			"statement_types must list %d entries or be omitted", merge.StatementCount)
	}

	input := services.SubmitMergeInput{OwnerID: ownerID, ChallengeID: challengeID}
	for i, raw := range req.UploadSessionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return services.SubmitMergeInput{}, apperrors.Newf(apperrors.KindValidation,
				"invalid upload session id for statement %d", i)
		}
		input.UploadSessionIDs[i] = id
	}
	for i := range input.StatementTypes {
		// Types are opaque labels; clients that do not reveal which
		// statement is the lie get the neutral label.
		input.StatementTypes[i] = "statement"
	}
	for i, t := range req.StatementTypes {
		input.StatementTypes[i] = t
	}
	return input, nil
}
