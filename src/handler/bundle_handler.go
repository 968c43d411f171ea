package handler

import (
	"context"
	"errors"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BundleStore is the read side of the bundle history.
type BundleStore interface {
	ListBundles(ctx context.Context, limit int) ([]*domain.BundleRecord, error)
	FindBundleByTxHash(ctx context.Context, txHash string) (*domain.BundleRecord, error)
}

type BundleHandler struct {
	store BundleStore
}

func NewBundleHandler(store BundleStore) *BundleHandler {
	return &BundleHandler{
		store: store,
	}
}

func (h *BundleHandler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("handler", "bundle").Logger()
	return &l
}

// ListBundlesRequest represents the query of GET /bundles
type ListBundlesRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// BundleTxRequest represents the path of GET /bundles/:txHash
type BundleTxRequest struct {
	TxHash string `uri:"txHash" binding:"required,hash32"`
}

// BundleResponse represents a submitted bundle
type BundleResponse struct {
	ID              string            `json:"id"`
	EntryPoint      string            `json:"entryPoint"`
	ChainID         int64             `json:"chainId"`
	TransactionHash string            `json:"transactionHash"`
	Success         bool              `json:"success"`
	GasUsed         int64             `json:"gasUsed"`
	GasCostEth      decimal.Decimal   `json:"gasCostEth" swaggertype:"string"`
	Error           string            `json:"error,omitempty"`
	OpCount         int               `json:"opCount"`
	Results         []domain.OpResult `json:"results"`
	CreatedAt       time.Time         `json:"createdAt"`
}

func newBundleResponse(record *domain.BundleRecord) (*BundleResponse, error) {
	results, err := record.GetResults()
	if err != nil {
		return nil, err
	}
	return &BundleResponse{
		ID:              record.ID.String(),
		EntryPoint:      record.EntryPoint,
		ChainID:         record.ChainId,
		TransactionHash: record.TransactionHash,
		Success:         record.Success,
		GasUsed:         record.GasUsed,
		GasCostEth:      record.GasCost,
		Error:           record.Error,
		OpCount:         record.OpCount,
		Results:         results,
		CreatedAt:       record.CreatedAt,
	}, nil
}

// ListBundles godoc
// @Summary List submitted bundles
// @Description Most recent handleOps transactions sent by this bundler, newest first
// @Tags bundles
// @Produce json
// @Param limit query int false "page size (1-500)"
// @Success 200 {object} StandardResponse{data=[]BundleResponse}
// @Failure 400 {object} StandardResponse
// @Router /api/v1/bundles [get]
func (h *BundleHandler) ListBundles(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "ListBundles").Logger()

	var req ListBundlesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		logger.Error().Err(err).Msg("invalid query")
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid query parameters")))
		return
	}

	records, err := h.store.ListBundles(c.Request.Context(), req.Limit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list bundles")
		respondWithError(c, domain.NewError(domain.ErrorCodeInternalProcess, err))
		return
	}

	bundles := make([]*BundleResponse, 0, len(records))
	for _, record := range records {
		bundle, err := newBundleResponse(record)
		if err != nil {
			respondWithError(c, domain.NewError(domain.ErrorCodeInternalProcess, err))
			return
		}
		bundles = append(bundles, bundle)
	}

	respondWithSuccess(c, bundles)
}

// GetBundle godoc
// @Summary Get a bundle by transaction hash
// @Tags bundles
// @Produce json
// @Param txHash path string true "handleOps transaction hash"
// @Success 200 {object} StandardResponse{data=BundleResponse}
// @Failure 400 {object} StandardResponse
// @Failure 404 {object} StandardResponse
// @Router /api/v1/bundles/{txHash} [get]
func (h *BundleHandler) GetBundle(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "GetBundle").Logger()

	var req BundleTxRequest
	if err := c.ShouldBindUri(&req); err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid transaction hash")))
		return
	}

	record, err := h.store.FindBundleByTxHash(c.Request.Context(), normalizeHash(req.TxHash))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondWithError(c, domain.NewError(domain.ErrorCodeResourceNotFound, err, domain.WithMsg("Bundle not found")))
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("tx_hash", req.TxHash).Msg("failed to find bundle")
		respondWithError(c, domain.NewError(domain.ErrorCodeInternalProcess, err))
		return
	}

	bundle, err := newBundleResponse(record)
	if err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeInternalProcess, err))
		return
	}
	respondWithSuccess(c, bundle)
}
