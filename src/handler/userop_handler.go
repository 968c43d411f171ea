package handler

import (
	"context"
	"errors"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type UserOpHandler struct {
	bundler *service.Bundler
}

func NewUserOpHandler(bundler *service.Bundler) *UserOpHandler {
	return &UserOpHandler{
		bundler: bundler,
	}
}

func (h *UserOpHandler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("handler", "userop").Logger()
	return &l
}

// UserOpHashRequest represents the path of GET /userops/:hash
type UserOpHashRequest struct {
	Hash string `uri:"hash" binding:"required,hash32"`
}

// GetUserOpStatus godoc
// @Summary Get user operation status
// @Description Lifecycle state of a submitted user operation with its receipt once settled
// @Tags userops
// @Produce json
// @Param hash path string true "userOpHash"
// @Success 200 {object} StandardResponse{data=domain.StatusRecord}
// @Failure 400 {object} StandardResponse
// @Failure 404 {object} StandardResponse
// @Router /api/v1/userops/{hash} [get]
func (h *UserOpHandler) GetUserOpStatus(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "GetUserOpStatus").Logger()

	var req UserOpHashRequest
	if err := c.ShouldBindUri(&req); err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid user operation hash")))
		return
	}

	record, err := h.bundler.GetUserOperationStatus(c.Request.Context(), common.HexToHash(req.Hash))
	if errors.Is(err, domain.ErrUserOpNotFound) {
		respondWithError(c, domain.NewError(domain.ErrorCodeResourceNotFound, err, domain.WithMsg("User operation not found")))
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("user_op_hash", req.Hash).Msg("failed to get status")
		respondWithError(c, domain.NewError(domain.ErrorCodeRemoteProcessError, err))
		return
	}

	respondWithSuccess(c, record)
}

// MempoolResponse represents the pending operations of one EntryPoint
type MempoolResponse struct {
	EntryPoint string `json:"entryPoint"`
	Pending    int    `json:"pending"`
}

// GetMempool godoc
// @Summary Mempool size
// @Description Number of pending user operations per supported EntryPoint
// @Tags userops
// @Produce json
// @Success 200 {object} StandardResponse{data=[]MempoolResponse}
// @Router /api/v1/mempool [get]
func (h *UserOpHandler) GetMempool(c *gin.Context) {
	entryPoints := h.bundler.SupportedEntryPoints()
	resp := make([]MempoolResponse, 0, len(entryPoints))
	for _, ep := range entryPoints {
		resp = append(resp, MempoolResponse{EntryPoint: ep.Hex(), Pending: h.bundler.PendingCount(ep)})
	}
	respondWithSuccess(c, resp)
}
