package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"memguard/internal/cleanup"
	"memguard/internal/coordinator"
	"memguard/internal/logging"
	"memguard/internal/pressure"
)

type handlerInfo struct {
	Name        string           `json:"name"`
	Priority    cleanup.Priority `json:"priority"`
	Description string           `json:"description,omitempty"`
}

type pressureView struct {
	Available    bool              `json:"available"`
	Level        pressure.Level    `json:"level"`
	Trend        pressure.Trend    `json:"trend"`
	UsagePercent float64           `json:"usage_percent"`
	Latest       *pressure.Sample  `json:"latest,omitempty"`
	Window       []pressure.Sample `json:"window"`
}

func errorResponse(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	m := s.coord.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"node_id":             s.cfg.NodeID,
		"uptime":              time.Since(s.startTime).String(),
		"level":               m.CurrentLevel,
		"telemetry_available": m.TelemetryAvailable,
		"timestamp":           time.Now(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Metrics())
}

func (s *Server) getServices(c *gin.Context) {
	handlers := s.coord.Registry().ListByPriority(cleanup.AllTiers)
	out := make([]handlerInfo, len(handlers))
	for i, h := range handlers {
		out[i] = handlerInfo{Name: h.Name, Priority: h.Priority, Description: h.Description}
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (s *Server) getCaches(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"caches": s.coord.Caches().All()})
}

func (s *Server) getRecommendations(c *gin.Context) {
	recs := s.coord.Caches().Recommendations()
	if recs == nil {
		recs = []cleanup.Recommendation{}
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

func (s *Server) getPressure(c *gin.Context) {
	latest, trend, level, ok := s.coord.Sampler().Assess(s.coord.Config().Thresholds)
	view := pressureView{
		Available: ok,
		Level:     level,
		Trend:     trend,
		Window:    s.coord.Sampler().Window(),
	}
	if ok {
		view.Latest = &latest
		view.UsagePercent = latest.UsagePercent()
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getPasses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"passes": s.coord.RecentPasses()})
}

// forceCleanup runs every tier, or the tiers named by ?tiers=high,low
func (s *Server) forceCleanup(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		report coordinator.PassReport
		err    error
	)
	if list := c.Query("tiers"); list != "" {
		tiers, perr := cleanup.ParseTiers(list)
		if perr != nil {
			errorResponse(c, http.StatusBadRequest, perr)
			return
		}
		trigger := coordinator.Trigger{Kind: coordinator.TriggerManual, Reason: "api", Level: s.coord.CurrentLevel()}
		report, err = s.coord.RunPass(ctx, trigger, tiers)
	} else {
		report, err = s.coord.ForceCleanup(ctx)
	}

	if err != nil {
		logging.Error(ctx, logging.ComponentHTTP, logging.ActionCleanup, "Forced cleanup did not complete", err)
		errorResponse(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) lifecycleSignal(c *gin.Context) {
	sig, err := coordinator.ParseSignal(c.Param("signal"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	if err := s.coord.OnLifecycleSignal(c.Request.Context(), sig); err != nil {
		errorResponse(c, http.StatusServiceUnavailable, err)
		return
	}

	status := http.StatusOK
	if sig == coordinator.Backgrounding {
		// The pass waits for an idle window
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"signal": sig.String()})
}

var errNoCluster = errors.New("cluster gossip is not enabled")

func (s *Server) getPeers(c *gin.Context) {
	if s.cluster == nil {
		errorResponse(c, http.StatusServiceUnavailable, errNoCluster)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": s.cluster.Peers()})
}

func (s *Server) clusterCleanup(c *gin.Context) {
	if s.cluster == nil {
		errorResponse(c, http.StatusServiceUnavailable, errNoCluster)
		return
	}
	id, err := s.cluster.RequestClusterCleanup(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": id})
}
