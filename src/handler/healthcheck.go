package handler

import (
	"net/http"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/service"
	"github.com/gin-gonic/gin"
)

// HealthCheck godoc
// @Summary Health check endpoint
// @Description Check if the service is running and its node is reachable
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 502 {object} StandardResponse
// @Router /api/v1/health [get]
func handleHealthCheck(bundler *service.Bundler) gin.HandlerFunc {
	return func(c *gin.Context) {
		chainID, err := bundler.ChainID(c.Request.Context())
		if err != nil {
			respondWithError(c, domain.NewError(domain.ErrorCodeRemoteProcessError, err, domain.WithMsg("Node unreachable")))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ok", "chainId": chainID.String()})
	}
}
