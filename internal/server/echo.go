package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ovren/stagehand/internal/supervisor"
)

// MountEcho registers the same read-only observation routes on an existing
// echo application, for embedding the supervisor into a larger service.
func MountEcho(e *echo.Echo, basePath string, sup *supervisor.Supervisor) {
	g := e.Group(sanitizeBase(basePath))
	g.GET("/status", func(c echo.Context) error {
		name := c.QueryParam("name")
		if name == "" {
			return c.JSON(http.StatusOK, sup.StatusAll())
		}
		st, err := sup.Status(name)
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, st)
	})
	g.GET("/plan", func(c echo.Context) error {
		return c.JSON(http.StatusOK, sup.Plan())
	})
	g.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})
}
