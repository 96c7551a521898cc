package api

import (
	"net/http"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"github.com/gin-gonic/gin"

	"github.com/kandev/acphost/internal/acp/conn"
	"github.com/kandev/acphost/internal/acp/session"
	apperrors "github.com/kandev/acphost/internal/common/errors"
)

// PromptRequest is the body of POST /agents/:id/prompt. Text is sent as one
// text block ahead of any explicit Blocks.
type PromptRequest struct {
	Text   string             `json:"text"`
	Blocks []acp.ContentBlock `json:"blocks"`
}

// SessionRequest carries an optional session id. Empty targets the active
// session.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// ModeRequest is the body of POST /agents/:id/mode.
type ModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// ModelRequest is the body of POST /agents/:id/model.
type ModelRequest struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// AuthenticateRequest is the body of POST /agents/:id/authenticate.
type AuthenticateRequest struct {
	MethodID string `json:"methodId"`
}

// SessionResponse describes the live and the last persisted session.
type SessionResponse struct {
	Active *session.Active `json:"active,omitempty"`
	Last   any             `json:"last,omitempty"`
}

func (s *Server) orchestrator(c *gin.Context) (*session.Orchestrator, bool) {
	o, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return o, true
}

// bindOptional decodes a JSON body that may be empty.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}

func (s *Server) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.List()})
}

func (s *Server) handleConnect(c *gin.Context) {
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	init, err := o.Connect(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": o.AgentID(), "adapter": o.Profile().ID, "initialize": init})
}

func (s *Server) handlePrompt(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	blocks := req.Blocks
	if strings.TrimSpace(req.Text) != "" {
		blocks = append([]acp.ContentBlock{acp.TextBlock(req.Text)}, blocks...)
	}
	if len(blocks) == 0 {
		s.writeError(c, apperrors.ValidationError("text", "prompt is empty"))
		return
	}

	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	res, err := o.Prompt(c.Request.Context(), blocks)
	if err != nil {
		s.writeError(c, err)
		return
	}
	active, _ := o.ActiveSession()
	c.JSON(http.StatusOK, gin.H{"sessionId": active.SessionID, "stopReason": res.StopReason})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req SessionRequest
	if err := bindOptional(c, &req); err != nil {
		s.badRequest(c, err)
		return
	}
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	if err := o.Cancel(req.SessionID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleSetMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	if err := o.SetMode(c.Request.Context(), req.SessionID, req.ModeID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "modeId": req.ModeID})
}

func (s *Server) handleListModels(c *gin.Context) {
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	models, err := o.ListModels(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if models == nil {
		models = []conn.ModelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleSelectModel(c *gin.Context) {
	var req ModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	if err := o.SelectModel(c.Request.Context(), req.SessionID, req.ModelID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "modelId": req.ModelID})
}

func (s *Server) handleAuthenticate(c *gin.Context) {
	var req AuthenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	if err := o.Authenticate(c.Request.Context(), req.MethodID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handlePendingPermissions(c *gin.Context) {
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	pending := o.PendingPermissions()
	if pending == nil {
		pending = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

func (s *Server) handleRespondPermission(c *gin.Context) {
	var outcome conn.PermissionOutcome
	if err := bindOptional(c, &outcome); err != nil {
		s.badRequest(c, err)
		return
	}
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	requestID := c.Param("requestId")
	handled, err := o.RespondPermission(requestID, outcome)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !handled {
		s.writeError(c, apperrors.NotFound("permission request", requestID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleSession(c *gin.Context) {
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	var resp SessionResponse
	if active, ok := o.ActiveSession(); ok {
		resp.Active = &active
	}
	last, err := o.LastSession(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if last != nil {
		resp.Last = last
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleThread(c *gin.Context) {
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	entries, err := o.Thread(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleModes(c *gin.Context) {
	o, ok := s.orchestrator(c)
	if !ok {
		return
	}
	snap, err := o.Modes(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if snap == nil {
		s.writeError(c, apperrors.NotFound("modes", c.Query("sessionId")))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDispose(c *gin.Context) {
	if !s.registry.Exists(c.Param("id")) {
		s.writeError(c, apperrors.NotFound("agent", c.Param("id")))
		return
	}
	if err := s.registry.Remove(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
