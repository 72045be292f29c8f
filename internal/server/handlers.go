package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codex-lb/codex-lb/internal/pkg/httpclient"
	"github.com/codex-lb/codex-lb/internal/proxy"
	"github.com/codex-lb/codex-lb/internal/selection"
)

// Handler wires the proxy.Pipeline to gin routes.
type Handler struct {
	pipeline     *proxy.Pipeline
	maxBodyBytes int64
}

func NewHandler(pipeline *proxy.Pipeline, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20 // 10MiB
	}
	return &Handler{pipeline: pipeline, maxBodyBytes: maxBodyBytes}
}

func (h *Handler) requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return uuid.NewString()
}

// readBody reads and validates the inbound JSON body, returning the raw
// bytes, the parsed map (for field extraction), and whether a response was
// already written for a read/parse failure.
func (h *Handler) readBody(c *gin.Context) ([]byte, map[string]any, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": gin.H{"type": "invalid_request_error", "message": fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)}})
			return nil, nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "failed to read request body"}})
		return nil, nil, false
	}

	var parsed map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "failed to parse request body"}})
			return nil, nil, false
		}
	}
	return body, parsed, true
}

func (h *Handler) buildInbound(c *gin.Context, path string, body []byte, parsed map[string]any) proxy.Inbound {
	model, _ := parsed["model"].(string)
	stream, _ := parsed["stream"].(bool)
	if c.GetHeader("Accept") == "text/event-stream" {
		stream = true
	}

	var cacheKeyMaterial string
	if v, ok := parsed["prompt_cache_key"].(string); ok {
		cacheKeyMaterial = v
	}

	return proxy.Inbound{
		RequestID:        h.requestID(c),
		Path:             path,
		Body:             body,
		Header:           c.Request.Header.Clone(),
		Stream:           stream,
		ForcedAccountID:  c.GetHeader(proxy.ForceAccountHeader),
		CacheKeyMaterial: cacheKeyMaterial,
		Model:            model,
	}
}

// Responses handles POST /responses and POST /v1/responses: streaming SSE
// when the body sets "stream": true or the Accept header is
// text/event-stream, otherwise a single JSON response (the path the
// /responses/compact route always takes).
func (h *Handler) Responses(c *gin.Context) {
	body, parsed, ok := h.readBody(c)
	if !ok {
		return
	}
	in := h.buildInbound(c, "/responses", body, parsed)
	w := newGinResponseWriter(c)
	_ = h.pipeline.Handle(c.Request.Context(), in, w)
}

// ResponsesCompact handles POST /responses/compact: always a single
// aggregated JSON response, regardless of the body's own stream field.
func (h *Handler) ResponsesCompact(c *gin.Context) {
	body, parsed, ok := h.readBody(c)
	if !ok {
		return
	}
	in := h.buildInbound(c, "/responses/compact", body, parsed)
	in.Stream = false
	w := newGinResponseWriter(c)
	_ = h.pipeline.Handle(c.Request.Context(), in, w)
}

// ChatCompletions handles POST /v1/chat/completions by best-effort
// translating the chat body into the Responses API's input shape before
// entering the same pipeline, per spec.md §6.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, _, ok := h.readBody(c)
	if !ok {
		return
	}
	translated := proxy.ChatToResponses(body)

	var parsed map[string]any
	_ = json.Unmarshal(translated, &parsed)

	in := h.buildInbound(c, "/responses", translated, parsed)
	w := newGinResponseWriter(c)
	_ = h.pipeline.Handle(c.Request.Context(), in, w)
}

// Models handles GET /v1/models. The pooled accounts all front the same
// upstream Codex models, so this is a static OpenAI-shaped listing rather
// than a per-account query.
var staticModels = []string{"gpt-5-codex", "gpt-5", "codex-mini-latest"}

func (h *Handler) Models(c *gin.Context) {
	data := make([]gin.H, 0, len(staticModels))
	for _, id := range staticModels {
		data = append(data, gin.H{"id": id, "object": "model", "owned_by": "codex-lb"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// DebugDecisions handles GET /debug/lb/decisions: the last N
// selection-engine outcomes, per spec.md §6 DEBUG_ENDPOINTS_ENABLED.
func (h *Handler) DebugDecisions(c *gin.Context) {
	n := 50
	if raw := c.Query("n"); raw != "" {
		fmt.Sscanf(raw, "%d", &n)
	}
	c.JSON(http.StatusOK, gin.H{"decisions": h.pipeline.RecentDecisions(n)})
}

// DebugIneligible handles GET /debug/lb/ineligible: the current
// ineligibility-reason breakdown from the most recent recorded decision.
func (h *Handler) DebugIneligible(c *gin.Context) {
	recent := h.pipeline.RecentDecisions(1)
	breakdown := map[string]selection.IneligibleReason{}
	if len(recent) > 0 {
		breakdown = recent[0].IneligibleReasons
	}
	c.JSON(http.StatusOK, gin.H{"ineligible_reasons": breakdown})
}

// DebugEgressPool handles GET /debug/lb/egress-pool: how many dedicated
// egress HTTP clients the account pool has built, one per distinct
// per-account proxy_url. Each is its own connection pool, so a growing
// count here is the signal an operator needs before raising
// MaxIdleConnsPerHost or consolidating proxy_url values across accounts.
func (h *Handler) DebugEgressPool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"egress_clients": httpclient.EgressStats()})
}
