// Package gin provides the x402 payment middleware for gin servers: it runs
// the payment attempt and composes the three protocol outcomes (challenge,
// rejection, acceptance).
package gin

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stablegate/x402gate/pkg/x402"
)

const x402Version = 1

const (
	headerPayment         = "X-Payment"
	headerPaymentStatus   = "X-Payment-Status"
	headerPaymentResponse = "X-Payment-Response"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Resource          string
	ResourceRootURL   string
	CustomPaywallHTML string
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithResource pins the advertised resource URL instead of deriving it from
// the request path.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL sets the root prepended to the request path when no
// fixed resource is configured.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithCustomPaywallHTML overrides the browser-facing paywall page.
func WithCustomPaywallHTML(customPaywallHTML string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.CustomPaywallHTML = customPaywallHTML
	}
}

// PaymentMiddleware gates the wrapped handlers behind an x402 payment. The
// handler carries the facilitator binding and settlement policy selected at
// startup; the middleware only runs attempts and renders outcomes.
func PaymentMiddleware(handler *x402.Handler, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		attempt := handler.ProcessAttempt(c.Request.Context(), c.GetHeader(headerPayment), resource)

		switch attempt.Kind {
		case x402.OutcomeChallenge:
			if isWebBrowser(c) {
				html := options.CustomPaywallHTML
				if html == "" {
					html = defaultPaywallHTML
				}
				c.Abort()
				c.Data(http.StatusPaymentRequired, "text/html", []byte(html))
				return
			}
			abortPaymentRequired(c, "X-Payment header is required", attempt)

		case x402.OutcomeRejected:
			message := attempt.Detail
			if message == "" {
				message = x402.GuidanceFor(attempt.Reason)
			}
			fmt.Printf("x402: payment rejected in %s: %s\n", attempt.State, attempt.Reason)
			abortPaymentRequired(c, message, attempt)

		case x402.OutcomeAccepted:
			c.Header(headerPaymentStatus, "verified")
			if attempt.Settle != nil && attempt.Settle.Success && attempt.SettleErr == nil {
				encoded, err := attempt.Settle.EncodeToBase64String()
				if err != nil {
					abortInternalError(c, err)
					return
				}
				c.Header(headerPaymentResponse, encoded)
			}
			c.Next()

		default:
			abortInternalError(c, attempt.Fault)
		}
	}
}

func abortPaymentRequired(c *gin.Context, message string, attempt *x402.Attempt) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"x402Version": x402Version,
		"error":       message,
		"accepts":     []interface{}{attempt.Requirements},
	})
}

func abortInternalError(c *gin.Context, err error) {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	fmt.Printf("x402: internal error: %s\n", message)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_server_error",
		"message": message,
	})
}

func isWebBrowser(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html") &&
		strings.Contains(c.GetHeader("User-Agent"), "Mozilla")
}

const defaultPaywallHTML = "<html><body><h1>Payment Required</h1><p>This resource requires an x402 payment.</p></body></html>"
