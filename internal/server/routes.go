package server

import (
	"io"
	"net/http"
	"strings"

	"all2api-go/internal/apierr"
	"all2api-go/internal/middleware"
	"all2api-go/internal/models"
	"all2api-go/internal/relay"
	"all2api-go/internal/translator"

	"github.com/gin-gonic/gin"
)

// resolveProvider implements the routing precedence: the Model-Provider
// header wins, then the model name, then the kiro default.
func resolveProvider(c *gin.Context, model string) models.ProviderKind {
	switch strings.ToLower(strings.TrimSpace(c.GetHeader("Model-Provider"))) {
	case "gemini", "gemini-antigravity":
		return models.ProviderAntigravity
	case "orchids":
		return models.ProviderOrchids
	case "agent":
		return models.ProviderAgent
	}
	return translator.RouteByModel(model)
}

func (s *Server) handleAnthropicMessages(c *gin.Context) {
	s.handleChat(c, apierr.FormatAnthropic, "")
}

func (s *Server) handleAntigravityMessages(c *gin.Context) {
	s.handleChat(c, apierr.FormatAnthropic, models.ProviderAntigravity)
}

func (s *Server) handleOrchidsMessages(c *gin.Context) {
	s.handleChat(c, apierr.FormatAnthropic, models.ProviderOrchids)
}

func (s *Server) handleOpenAIChat(c *gin.Context) {
	s.handleChat(c, apierr.FormatOpenAI, "")
}

// handleGeminiGenerate serves /v1beta/models/<model>:generateContent and
// :streamGenerateContent.
func (s *Server) handleGeminiGenerate(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	parts := strings.SplitN(action, ":", 2)
	if len(parts) != 2 {
		writeError(c, apierr.FormatGemini, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, "malformed model action"))
		return
	}
	model, verb := parts[0], parts[1]
	stream := verb == "streamGenerateContent"
	if !stream && verb != "generateContent" {
		writeError(c, apierr.FormatGemini, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, "unknown action "+verb))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apierr.FormatGemini, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, "unreadable body"))
		return
	}
	req, perr := translator.ParseGeminiRequest(model, body)
	if perr != nil {
		writeError(c, apierr.FormatGemini, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, perr.Error()))
		return
	}
	req.Stream = stream
	s.serve(c, apierr.FormatGemini, req, resolveProvider(c, req.Model))
}

// handleChat covers the Anthropic- and OpenAI-shaped chat endpoints.
// forced selects the provider regardless of routing when non-zero.
func (s *Server) handleChat(c *gin.Context, format apierr.Format, forced models.ProviderKind) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, format, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, "unreadable body"))
		return
	}

	var req *relay.ChatRequest
	var perr error
	if format == apierr.FormatOpenAI {
		req, perr = translator.ParseOpenAIRequest(body)
	} else {
		req, perr = translator.ParseAnthropicRequest(body)
	}
	if perr != nil {
		writeError(c, format, apierr.New(http.StatusBadRequest, apierr.KindInvalidRequest, perr.Error()))
		return
	}

	kind := forced
	if kind == "" {
		kind = resolveProvider(c, req.Model)
	}
	s.serve(c, format, req, kind)
}

// serve runs quota, dispatch, response rendering, and accounting for one
// parsed request.
func (s *Server) serve(c *gin.Context, format apierr.Format, req *relay.ChatRequest, kind models.ProviderKind) {
	key := middleware.APIKeyFrom(c)
	if key == nil {
		writeError(c, format, apierr.New(http.StatusUnauthorized, apierr.KindAuthRejected, "missing API key"))
		return
	}

	release, qerr := s.quota.Check(c.Request.Context(), key, c.ClientIP())
	if qerr != nil {
		writeError(c, format, qerr)
		s.writeLog(c, req, kind, nil, qerr.Status, qerr.Message, relay.Usage{})
		return
	}
	defer release()

	stream, cred, aerr := s.engine.Execute(c.Request.Context(), kind, req)
	if aerr != nil {
		writeError(c, format, aerr)
		s.writeLog(c, req, kind, cred, aerr.Status, aerr.Message, relay.Usage{})
		return
	}
	defer func() { _ = stream.Close() }()

	if req.Stream {
		s.streamResponse(c, format, req, kind, cred, stream)
		return
	}
	s.collectResponse(c, format, req, kind, cred, stream)
}

func (s *Server) handleModels(c *gin.Context) {
	names := translator.ListedModels()
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  nowUnix(),
			"owned_by": "all2api",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func writeError(c *gin.Context, format apierr.Format, e *apierr.Error) {
	c.Data(e.Status, "application/json", e.ToJSON(format))
}
