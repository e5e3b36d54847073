package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type progressResponse struct {
	Current  any `json:"current"`
	LastPass any `json:"last_pass,omitempty"`
}

func (s *Server) progressHandler(c *gin.Context) {
	resp := progressResponse{Current: s.cfg.Progress.Progress()}
	if last, ok := s.cfg.Progress.LastPass(); ok {
		resp.LastPass = last
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) accountsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": s.cfg.Accounts.Snapshot()})
}

func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, err := s.cfg.Queue.GetStats(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to get queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) queueItemHandler(c *gin.Context) {
	username := c.Param("username")
	item, err := s.cfg.Queue.Get(c.Request.Context(), username)
	if err != nil {
		s.logger.Error("Failed to get queue item", zap.String("username", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue item"})
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Channel not queued"})
		return
	}

	resp := gin.H{
		"id":         item.ID,
		"username":   item.Username,
		"status":     item.Status,
		"parsed":     item.Parsed,
		"created_at": item.CreatedAt,
	}
	if item.ErrorMessage.Valid {
		resp["error_message"] = item.ErrorMessage.String
	}
	if item.ParsedAt.Valid {
		resp["parsed_at"] = item.ParsedAt.Time
	}
	if item.ProcessedAt.Valid {
		resp["processed_at"] = item.ProcessedAt.Time
	}
	c.JSON(http.StatusOK, resp)
}

type seedRequest struct {
	Usernames []string `json:"usernames" binding:"required,min=1"`
}

func (s *Server) seedHandler(c *gin.Context) {
	var req seedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Body must be {\"usernames\": [...]}"})
		return
	}
	if len(req.Usernames) > maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Too many usernames in one request"})
		return
	}

	inserted, err := s.cfg.Queue.AddIdentifiers(c.Request.Context(), req.Usernames)
	if err != nil {
		s.logger.Error("Failed to seed queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to seed queue"})
		return
	}

	s.logger.Info("Seeded queue", zap.Int("submitted", len(req.Usernames)), zap.Int("inserted", inserted))
	c.JSON(http.StatusOK, gin.H{"submitted": len(req.Usernames), "inserted": inserted})
}

type statusRequest struct {
	Usernames []string `json:"usernames" binding:"required,min=1"`
	Status    string   `json:"status" binding:"required,oneof=done error skipped"`
	Message   string   `json:"message"`
}

func (s *Server) statusHandler(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Usernames) > maxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Too many usernames in one request"})
		return
	}

	updated, err := s.cfg.Queue.UpdateStatus(c.Request.Context(), req.Usernames, req.Status, req.Message)
	if err != nil {
		s.logger.Error("Failed to update queue status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
