package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"arch-install-proxy/internal/service"
)

// internalErrorBody is the fixed body sent when the script could not be fetched.
const internalErrorBody = "Internal Server Error"

// ProxyHandler serves the install script for every inbound request.
type ProxyHandler struct {
	service *service.ScriptService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ScriptService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the install script and streams it back as a download.
// The method, path, headers and body of the inbound request are ignored.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Download(req.Context())
	if err != nil {
		return h.mapError(c, err)
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	// Once the status is sent a failed copy can only truncate the body,
	// so it is logged rather than turned into an error response.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
	}

	return nil
}

// mapError logs a failed fetch once and answers with a fixed 500.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("fetch install script",
		"err", err,
		"url", service.SourceURL,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	return c.String(http.StatusInternalServerError, internalErrorBody)
}
