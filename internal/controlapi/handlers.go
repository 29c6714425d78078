package controlapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tachyon-export/internal/model"
)

type createTaskRequest struct {
	Name       string        `json:"name" binding:"required"`
	ExportPath string        `json:"export_path" binding:"required"`
	Options    model.Options `json:"options"`
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.tasks.Snapshot())
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.tasks.Create(req.Name, req.ExportPath, req.Options)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task := s.tasks.Get(c.Param("id"))
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) startTask(c *gin.Context) {
	if err := s.tasks.Start(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) pauseTask(c *gin.Context)  { s.simpleCommand(c, s.tasks.Pause) }
func (s *Server) resumeTask(c *gin.Context) { s.simpleCommand(c, s.tasks.Resume) }
func (s *Server) cancelTask(c *gin.Context) { s.simpleCommand(c, s.tasks.Cancel) }

func (s *Server) retryAllFailed(c *gin.Context) { s.simpleCommand(c, s.tasks.RetryAllFailed) }

func (s *Server) simpleCommand(c *gin.Context, cmd func(string) error) {
	if err := cmd(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) verifyTask(c *gin.Context) {
	result, err := s.tasks.VerifyIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getQueue(c *gin.Context) {
	reversed := c.Query("reversed") == "true"
	bucket, err := s.tasks.GetQueue(c.Param("id"), reversed)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bucket)
}

func (s *Server) itemCommand(c *gin.Context, cmd func(taskID, itemID string) error) {
	if err := cmd(c.Param("id"), c.Param("itemID")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) pauseItem(c *gin.Context)  { s.itemCommand(c, s.tasks.PauseItem) }
func (s *Server) resumeItem(c *gin.Context) { s.itemCommand(c, s.tasks.ResumeItem) }
func (s *Server) retryItem(c *gin.Context)  { s.itemCommand(c, s.tasks.RetryItem) }
func (s *Server) cancelItem(c *gin.Context) { s.itemCommand(c, s.tasks.CancelItem) }

func (s *Server) adjustConcurrency(c *gin.Context) {
	maxConcurrent, _ := strconv.Atoi(c.Query("max_concurrent_downloads"))
	parallelChunk, _ := strconv.Atoi(c.Query("parallel_chunk_connections"))
	if err := s.tasks.AdjustConcurrency(c.Param("id"), maxConcurrent, parallelChunk); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
