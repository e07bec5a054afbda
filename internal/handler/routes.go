package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterProxyRoutes sends every path and method on the proxy listener to
// the proxy handler.
func RegisterProxyRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterControlRoutes wires the control surface. Anything else is left to
// ControlErrorHandler.
func RegisterControlRoutes(e *echo.Echo, control *ControlHandler) {
	e.GET("/health", control.Health)
	e.GET("/metrics", control.Metrics)
}
