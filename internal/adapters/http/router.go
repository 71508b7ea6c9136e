// Package http exposes the read-only control surface: health probes, the
// Prometheus scrape endpoint and session-table introspection.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfucore/internal/app"
	"github.com/dkeye/sfucore/internal/config"
)

func SetupRouter(cfg *config.Config, gatherer prometheus.Gatherer, managers ...*app.Manager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/meetings", func(c *gin.Context) {
		seen := make(map[string]struct{})
		for _, m := range managers {
			for _, id := range m.Meetings() {
				seen[id] = struct{}{}
			}
		}
		out := make([]string, 0, len(seen))
		for id := range seen {
			out = append(out, id)
		}
		c.JSON(http.StatusOK, gin.H{"meetings": out})
	})

	api.GET("/meetings/:id/sessions", func(c *gin.Context) {
		meetingID := c.Param("id")
		sessions := make([]any, 0)
		for _, m := range managers {
			for _, info := range m.Snapshot(meetingID) {
				sessions = append(sessions, info)
			}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	return r
}
