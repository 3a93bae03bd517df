package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/correlate"
	"github.com/substrate-ai/relay/pkg/dispatcher"
)

const handlersLogPrefix = "gateway:handlers"

// MaxBodyBytes bounds a request payload.
const MaxBodyBytes = 1 << 20

// StatusFor maps a reply to its HTTP status. Authorized commands that failed
// while executing are structured results and keep 200.
func StatusFor(resp *dispatcher.Response) int {
	switch resp.ErrorCode() {
	case "", dispatcher.CodeExecutionFailed, dispatcher.CodePartialReconciliation:
		return http.StatusOK
	case dispatcher.CodeChannelDenied:
		return http.StatusForbidden
	case dispatcher.CodeInvalidRequest:
		return http.StatusBadRequest
	case dispatcher.CodeMethodNotFound:
		return http.StatusNotImplemented
	case dispatcher.CodeTimeout:
		return http.StatusGatewayTimeout
	case dispatcher.CodeEndpointUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeResponse(c *gin.Context, resp *dispatcher.Response) {
	c.JSON(StatusFor(resp), resp)
}

func (g *Gateway) deny(c *gin.Context, channel string, dir channels.Direction) bool {
	err := g.registry.Check(channel, dir, channels.Remote)
	if err == nil {
		return false
	}
	slog.Warn(fmt.Sprintf("%s - %s from %s: %v", handlersLogPrefix, c.Request.URL.Path, c.GetString(originKey), err))
	writeResponse(c, dispatcher.Fail("", dispatcher.CodeChannelDenied, err.Error()))
	return true
}

// readPayload returns the request body as a JSON payload, nil when empty.
func readPayload(c *gin.Context) (json.RawMessage, *dispatcher.Response) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		return nil, dispatcher.Fail("", dispatcher.CodeInvalidRequest, fmt.Sprintf("failed to read body: %v", err))
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, dispatcher.Fail("", dispatcher.CodeInvalidRequest, "body must be JSON")
	}
	return json.RawMessage(body), nil
}

// requestTimeoutMs reads ?timeout_ms= or X-Substrate-Timeout-Ms.
func (g *Gateway) requestTimeoutMs(c *gin.Context) (int, *dispatcher.Response) {
	raw := c.Query("timeout_ms")
	if raw == "" {
		raw = c.GetHeader(TimeoutHeader)
	}
	if raw == "" {
		return int(g.opts.RequestTimeout / time.Millisecond), nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, dispatcher.Fail("", dispatcher.CodeInvalidRequest, fmt.Sprintf("invalid timeout %q", raw))
	}
	return ms, nil
}

func (g *Gateway) handleSend(c *gin.Context) {
	channel := c.Param("channel")
	if g.deny(c, channel, channels.Send) {
		return
	}
	payload, bad := readPayload(c)
	if bad != nil {
		writeResponse(c, bad)
		return
	}

	req := &dispatcher.Request{Channel: channel, Payload: payload, Origin: string(channels.Remote)}
	if err := g.opts.Caller.Send(c.Request.Context(), req); err != nil {
		writeResponse(c, failureFromError("", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (g *Gateway) handleInvoke(c *gin.Context) {
	channel := c.Param("channel")
	if g.deny(c, channel, channels.Invoke) {
		return
	}
	payload, bad := readPayload(c)
	if bad != nil {
		writeResponse(c, bad)
		return
	}
	g.invoke(c, channel, payload)
}

func (g *Gateway) handleGetConfig(c *gin.Context) {
	if g.deny(c, channels.GetConfig, channels.Invoke) {
		return
	}
	g.invoke(c, channels.GetConfig, nil)
}

func (g *Gateway) handlePutConfig(c *gin.Context) {
	if g.deny(c, channels.UpdateConfig, channels.Invoke) {
		return
	}
	payload, bad := readPayload(c)
	if bad != nil {
		writeResponse(c, bad)
		return
	}
	if payload == nil {
		writeResponse(c, dispatcher.Fail("", dispatcher.CodeInvalidRequest, "config body is required"))
		return
	}
	g.invoke(c, channels.UpdateConfig, payload)
}

func (g *Gateway) invoke(c *gin.Context, channel string, payload json.RawMessage) {
	timeoutMs, bad := g.requestTimeoutMs(c)
	if bad != nil {
		writeResponse(c, bad)
		return
	}
	req := &dispatcher.Request{
		ID:        correlate.NewID(),
		Channel:   channel,
		Payload:   payload,
		Origin:    string(channels.Remote),
		TimeoutMs: timeoutMs,
	}

	if wantsStream(c) {
		g.streamInvoke(c, req)
		return
	}

	h, err := g.opts.Caller.Invoke(c.Request.Context(), req)
	if err != nil {
		writeResponse(c, failureFromError(req.ID, err))
		return
	}
	resp, err := h.Wait(c.Request.Context())
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - caller went away waiting for %s: %v", handlersLogPrefix, req.ID, err))
		writeResponse(c, dispatcher.Fail(req.ID, dispatcher.CodeTimeout, "request abandoned by caller"))
		return
	}
	if resp == nil {
		resp = dispatcher.Fail(req.ID, dispatcher.CodeTimeout, "request cancelled")
	}
	writeResponse(c, resp)
}

func failureFromError(id string, err error) *dispatcher.Response {
	var detail *dispatcher.ErrorDetail
	if errors.As(err, &detail) {
		return dispatcher.FailWith(id, detail)
	}
	return dispatcher.Fail(id, dispatcher.CodeEndpointUnavailable, err.Error())
}

func (g *Gateway) handleHealth(c *gin.Context) {
	status := "healthy"
	if !g.opts.Caller.Connected() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"label":             Label,
		"endpointConnected": g.opts.Caller.Connected(),
		"correlation":       g.opts.Caller.Stats(),
		"configRevision":    g.configRevision.Load(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready once the command endpoint is reachable.
func (g *Gateway) handleReady(c *gin.Context) {
	if !g.opts.Caller.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "waiting for command endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
