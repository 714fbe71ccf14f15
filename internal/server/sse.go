package server

import (
	"io"
	"net/http"
	"strings"

	"all2api-go/internal/apierr"
	"all2api-go/internal/models"
	"all2api-go/internal/pricing"
	"all2api-go/internal/relay"
	"all2api-go/internal/translator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// statusClientClosed mirrors nginx's 499 for downstream disconnects.
const statusClientClosed = 499

// frameEmitter is the shared shape of the three downstream SSE renderers.
type frameEmitter interface {
	Emit(relay.Event) []translator.Frame
}

func (s *Server) newEmitter(format apierr.Format, model string) frameEmitter {
	switch format {
	case apierr.FormatOpenAI:
		return translator.NewOpenAIEmitter("chatcmpl-"+uuid.NewString()[:24], model, nowUnix())
	case apierr.FormatGemini:
		return translator.NewGeminiEmitter(model)
	default:
		return translator.NewAnthropicEmitter("msg_"+uuid.NewString()[:24], model)
	}
}

// streamResponse pumps normalized events through the downstream emitter.
// Failures after the first byte emit an error frame and close; the log row
// records 499 and partial usage when the client hangs up.
func (s *Server) streamResponse(c *gin.Context, format apierr.Format, req *relay.ChatRequest, kind models.ProviderKind, cred *models.CredentialRef, stream relay.Stream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		e := apierr.New(http.StatusInternalServerError, apierr.KindInternal, "streaming not supported")
		writeError(c, format, e)
		s.writeLog(c, req, kind, cred, e.Status, e.Message, relay.Usage{})
		return
	}

	emitter := s.newEmitter(format, req.Model)
	var usage relay.Usage
	var outputText strings.Builder
	status := http.StatusOK
	errMsg := ""

	ctx := c.Request.Context()
	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				status = statusClientClosed
				errMsg = "client closed request"
				break
			}
			ae := apierr.AsError(err)
			status = ae.Status
			errMsg = ae.Message
			for _, f := range emitter.Emit(relay.Event{Kind: relay.ErrorEvent, Err: ae}) {
				_, _ = c.Writer.Write(f.Encode())
			}
			flusher.Flush()
			break
		}

		switch ev.Kind {
		case relay.TextDelta, relay.ReasoningDelta:
			outputText.WriteString(ev.Text)
		case relay.UsageUpdate:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		}

		wrote := false
		for _, f := range emitter.Emit(ev) {
			if _, werr := c.Writer.Write(f.Encode()); werr != nil {
				status = statusClientClosed
				errMsg = "client closed request"
				break
			}
			wrote = true
		}
		if status == statusClientClosed {
			break
		}
		if wrote {
			flusher.Flush()
		}
	}

	if format == apierr.FormatOpenAI && status == http.StatusOK {
		_, _ = c.Writer.Write(translator.DoneFrame.Encode())
		flusher.Flush()
	}

	s.finishUsage(req, &usage, outputText.String())
	s.writeLog(c, req, kind, cred, status, errMsg, usage)
}

// collectResponse drains the stream and renders one JSON document.
func (s *Server) collectResponse(c *gin.Context, format apierr.Format, req *relay.ChatRequest, kind models.ProviderKind, cred *models.CredentialRef, stream relay.Stream) {
	ctx := c.Request.Context()
	events, err := relay.Collect(ctx, stream)
	if err != nil {
		if ctx.Err() != nil {
			s.writeLog(c, req, kind, cred, statusClientClosed, "client closed request", relay.Usage{})
			return
		}
		ae := apierr.AsError(err)
		writeError(c, format, ae)
		s.writeLog(c, req, kind, cred, ae.Status, ae.Message, relay.Usage{})
		return
	}

	var usage relay.Usage
	var outputText strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case relay.TextDelta, relay.ReasoningDelta:
			outputText.WriteString(ev.Text)
		case relay.UsageUpdate:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		}
	}

	var body []byte
	var berr error
	switch format {
	case apierr.FormatOpenAI:
		body, berr = translator.CollectOpenAICompletion("chatcmpl-"+uuid.NewString()[:24], req.Model, nowUnix(), events)
	case apierr.FormatGemini:
		body, berr = translator.CollectGeminiResponse(req.Model, events)
	default:
		body, berr = translator.CollectAnthropicMessage("msg_"+uuid.NewString()[:24], req.Model, events)
	}
	if berr != nil {
		ae := apierr.New(http.StatusInternalServerError, apierr.KindInternal, "response assembly failed")
		writeError(c, format, ae)
		s.writeLog(c, req, kind, cred, ae.Status, ae.Message, usage)
		return
	}

	c.Data(http.StatusOK, "application/json", body)
	s.finishUsage(req, &usage, outputText.String())
	s.writeLog(c, req, kind, cred, http.StatusOK, "", usage)
}

// finishUsage backfills token counts for providers that never reported
// usage, estimating from the visible text.
func (s *Server) finishUsage(req *relay.ChatRequest, usage *relay.Usage, outputText string) {
	if usage.InputTokens == 0 {
		var prompt strings.Builder
		prompt.WriteString(req.System)
		for _, turn := range req.Turns {
			for _, p := range turn.Parts {
				prompt.WriteString(p.Text)
				prompt.WriteString(p.Result)
				prompt.Write(p.ToolInput)
			}
		}
		usage.InputTokens = pricing.EstimateTokens(prompt.String())
	}
	if usage.OutputTokens == 0 && outputText != "" {
		usage.OutputTokens = pricing.EstimateTokens(outputText)
	}
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		}).Debug("usage settled")
	}
}
