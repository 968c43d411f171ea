package handler

import (
	"context"
	"net/http"

	"github.com/ethaccount/bundler/src/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type RouterConfig struct {
	Bundler *service.Bundler
	// Bundles serves /api/v1/bundles when set.
	Bundles BundleStore
	// Metrics serves /metrics when set.
	Metrics      http.Handler
	APISecret    string
	AllowOrigins []string
}

// RegisterRoutes mounts the JSON-RPC endpoints and the REST API on router.
// The returned func stops the JSON-RPC servers.
func RegisterRoutes(ctx context.Context, router *gin.Engine, config RouterConfig) (func(), error) {
	registerValidators()

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With", apiSecretHeader}
	router.Use(cors.New(corsConfig))

	SetMiddlewares(ctx, router)

	publicRPC, err := NewRPCServer(PublicAPIs(config.Bundler))
	if err != nil {
		return nil, err
	}
	adminRPC, err := NewRPCServer(AdminAPIs(config.Bundler))
	if err != nil {
		publicRPC.Stop()
		return nil, err
	}
	stop := func() {
		publicRPC.Stop()
		adminRPC.Stop()
	}

	router.POST("/", gin.WrapH(publicRPC))
	router.POST("/rpc", gin.WrapH(publicRPC))
	router.POST("/debug/rpc", SharedSecretMiddleware(config.APISecret), gin.WrapH(adminRPC))

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if config.Metrics != nil {
		router.GET("/metrics", gin.WrapH(config.Metrics))
	}

	userOpHandler := NewUserOpHandler(config.Bundler)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handleHealthCheck(config.Bundler))

		v1.GET("/userops/:hash", userOpHandler.GetUserOpStatus)
		v1.GET("/mempool", userOpHandler.GetMempool)

		if config.Bundles != nil {
			bundleHandler := NewBundleHandler(config.Bundles)
			v1.GET("/bundles", bundleHandler.ListBundles)
			v1.GET("/bundles/:txHash", bundleHandler.GetBundle)
		}
	}

	return stop, nil
}
