package cmd

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed ui.html
var uiHTML []byte

// RegisterUI serves the bundled status dashboard at the root path.
func RegisterUI(e *echo.Echo) {
	e.GET("/", func(c echo.Context) error {
		return c.HTMLBlob(http.StatusOK, uiHTML)
	})
}
