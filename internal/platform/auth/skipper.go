package auth

import "github.com/labstack/echo/v4"

var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper is true for infrastructure endpoints that never read credentials.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
