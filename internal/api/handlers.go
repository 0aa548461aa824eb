package api

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"autonomous-trading-engine/internal/auth"
	"autonomous-trading-engine/internal/bot"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": s.engine.Uptime().String(),
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "username and password are required",
		})
		return
	}

	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		authErr, ok := err.(auth.AuthError)
		if !ok {
			s.logger.Error().Err(err).Msg("login failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "INTERNAL",
				"message": "login failed",
			})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   authErr.Code,
			"message": authErr.Message,
		})
		return
	}

	c.JSON(http.StatusOK, token)
}

// systemStats is the host resource snapshot attached to /api/status.
type systemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
}

// readSystemStats samples CPU over a short window so the handler stays
// responsive for dashboard polling.
func (s *Server) readSystemStats() systemStats {
	stats := systemStats{Goroutines: runtime.NumGoroutine()}

	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("cpu stats unavailable")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	} else {
		s.logger.Debug().Err(err).Msg("memory stats unavailable")
	}

	return stats
}

type statusResponse struct {
	bot.Status
	UptimeSeconds float64     `json:"uptime_seconds"`
	System        systemStats `json:"system"`
	WSClients     int         `json:"ws_clients"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Status:        s.engine.Status(),
		UptimeSeconds: s.engine.Uptime().Seconds(),
		System:        s.readSystemStats(),
		WSClients:     s.hub.ClientCount(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	st := s.engine.Status()
	c.JSON(http.StatusOK, gin.H{"profiles": st.Profiles})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxRecentLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_LIMIT",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = parsed
	}

	trades, err := s.store.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent trades query failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "JOURNAL_ERROR",
			"message": "could not load recent trades",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleSymbolStats(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_SYMBOL",
			"message": "symbol is required",
		})
		return
	}

	stats, err := s.store.SymbolStats(c.Request.Context(), symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("symbol stats query failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "JOURNAL_ERROR",
			"message": "could not load symbol stats",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSafeModeReset(c *gin.Context) {
	operator := operatorName(c)
	if !s.engine.ResetSafeMode(operator) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "NOT_ACTIVE",
			"message": "safe mode is not active",
		})
		return
	}
	s.logger.Warn().Str("operator", operator).Msg("safe mode reset via dashboard")
	c.JSON(http.StatusOK, gin.H{"status": "restored"})
}

func (s *Server) handleDrawdownReset(c *gin.Context) {
	operator := operatorName(c)
	s.engine.ResetDrawdown(operator)
	s.logger.Warn().Str("operator", operator).Msg("drawdown peaks rebased via dashboard")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleSupervisorReset(c *gin.Context) {
	operator := operatorName(c)
	s.engine.ResetSupervisor(operator)
	s.logger.Warn().Str("operator", operator).Msg("dead-man switch cleared via dashboard")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func operatorName(c *gin.Context) string {
	if claims := auth.OperatorClaims(c); claims != nil {
		return claims.Subject
	}
	return "unknown"
}
