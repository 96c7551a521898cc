package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/conn"
	"github.com/kandev/acphost/internal/acp/session"
	apperrors "github.com/kandev/acphost/internal/common/errors"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// writeError maps a domain error onto an HTTP response.
func (s *Server) writeError(c *gin.Context, err error) {
	var authErr *session.AuthRequiredError
	if errors.As(err, &authErr) {
		c.JSON(http.StatusUnauthorized, authErr)
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	switch {
	case errors.Is(err, conn.ErrUnknownOption):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, jsonrpc.ErrClosed), errors.Is(err, conn.ErrDisposed), errors.Is(err, conn.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	var callErr *jsonrpc.CallError
	if errors.As(err, &callErr) {
		body := gin.H{"error": err.Error(), "method": callErr.Method, "kind": callErr.Kind.String()}
		if rpcErr := callErr.RPCError(); rpcErr != nil {
			body["rpc_code"] = rpcErr.Code
		}
		c.JSON(http.StatusBadGateway, body)
		return
	}

	s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
}
