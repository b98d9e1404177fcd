// Command server runs a gin HTTP server with an x402-gated endpoint. All
// configuration comes from the environment; see x402.LoadConfig for the
// recognized variables.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	ginfw "github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	x402gin "github.com/stablegate/x402gate/pkg/gin"
	"github.com/stablegate/x402gate/pkg/resource"
	"github.com/stablegate/x402gate/pkg/x402"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found. Using environment variables.")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "4021"
	}

	cfg, err := x402.LoadConfig()
	if err != nil {
		fmt.Printf("invalid configuration: %s\n", err)
		os.Exit(1)
	}

	handler, err := x402.NewHandler(cfg)
	if err != nil {
		fmt.Printf("failed to set up payment handler: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("Accepting payments to %s on %s (policy: %s)\n", cfg.PayTo, cfg.Network, handler.Policy().Name())

	probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if supported, ok, err := handler.ProbeSupport(probeCtx); ok {
		switch {
		case err != nil:
			fmt.Printf("Warning: facilitator capability probe failed: %s\n", err)
		case !handler.SupportsNetwork(supported):
			fmt.Printf("Warning: facilitator does not list exact/%s as supported\n", cfg.Network)
		}
	}
	cancel()

	ginfw.SetMode(ginfw.ReleaseMode)
	r := ginfw.New()
	r.Use(ginfw.Recovery())

	r.GET("/health", func(c *ginfw.Context) {
		c.JSON(http.StatusOK, ginfw.H{"status": "ok"})
	})

	var provider *resource.SignedURLProvider
	if secret := os.Getenv("X402_SIGNING_SECRET"); secret != "" {
		provider, err = resource.NewSignedURLProvider(os.Getenv("X402_CONTENT_BASE_URL"), []byte(secret), 0)
		if err != nil {
			fmt.Printf("failed to set up content signer: %s\n", err)
			os.Exit(1)
		}
		fmt.Println("Paid requests receive signed content URLs")
	}

	protected := r.Group("/", x402gin.PaymentMiddleware(handler))
	protected.GET("/protected", protectedHandler(provider))

	fmt.Printf("Listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		fmt.Printf("server error: %s\n", err)
		os.Exit(1)
	}
}

// protectedHandler serves the paid response. With a content signer configured
// it hands out a time-bounded fulfillment URL for the requested path; without
// one it acknowledges the payment directly.
func protectedHandler(provider *resource.SignedURLProvider) ginfw.HandlerFunc {
	return func(c *ginfw.Context) {
		if provider == nil {
			c.JSON(http.StatusOK, ginfw.H{
				"message": "Access granted",
				"paid":    true,
			})
			return
		}

		fulfillment, err := provider.FulfillmentURL(c.Request.URL.Path)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ginfw.H{
				"error":   "internal_server_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, ginfw.H{
			"message":    "Access granted",
			"paid":       true,
			"contentUrl": fulfillment,
		})
	}
}
