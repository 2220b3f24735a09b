package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/cheatcode-dev/sandboxd/pkg/common"
)

type HealthGroup struct {
	routerGroup *echo.Group
	redisClient *common.RedisClient
}

func NewHealthGroup(g *echo.Group, rdb *common.RedisClient) *HealthGroup {
	group := &HealthGroup{routerGroup: g, redisClient: rdb}

	g.GET("", group.HealthCheck)

	return group
}

func (h *HealthGroup) HealthCheck(c echo.Context) error {
	if err := h.redisClient.Ping(c.Request().Context()).Err(); err != nil {
		log.Error().Err(err).Msg("health check failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status": "not ok",
			"error":  err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}
