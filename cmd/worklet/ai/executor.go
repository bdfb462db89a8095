package ai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/taskmesh/taskmesh/common/logger"
)

// PlanExecutor realises streaming plans: it runs the HTTP preparation
// steps, expands templates, dials the websocket and sends the plan's
// client events. It is the only part of the streaming path that opens
// sockets.
type PlanExecutor struct {
	http   *http.Client
	dialer *websocket.Dialer
	getenv func(string) string
	log    *logger.Logger
}

// NewPlanExecutor creates an executor.
func NewPlanExecutor(log *logger.Logger) *PlanExecutor {
	return &PlanExecutor{
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		getenv: os.Getenv,
		log:    log,
	}
}

// Execute runs the plan and returns the open websocket connection with the
// client events already sent. The caller owns the connection.
func (x *PlanExecutor) Execute(ctx context.Context, plan *StreamingPlan) (*websocket.Conn, error) {
	if plan == nil || plan.Kind != StreamingKindWebsocket {
		return nil, fmt.Errorf("unsupported streaming plan")
	}
	vars := make(map[string]string)

	for _, step := range plan.Prepare {
		if err := x.prepare(ctx, step, vars); err != nil {
			return nil, err
		}
	}

	url := ExpandTemplateEnv(plan.Websocket.URL, vars, x.getenv)
	headers := http.Header{}
	for _, h := range plan.Websocket.Headers {
		headers.Set(h.Name, ExpandTemplateEnv(h.Value, vars, x.getenv))
	}

	conn, resp, err := x.dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	for _, ev := range plan.Websocket.ClientEvents {
		if err := conn.WriteMessage(websocket.TextMessage, ev); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send client event: %w", err)
		}
	}
	return conn, nil
}

// prepare executes one HTTP JSON step and stores the extracted value.
func (x *PlanExecutor) prepare(ctx context.Context, step HTTPJSONPlan, vars map[string]string) error {
	url := ExpandTemplateEnv(step.URL, vars, x.getenv)
	req, err := http.NewRequestWithContext(ctx, step.Method, url, bytes.NewReader(step.Body))
	if err != nil {
		return fmt.Errorf("failed to build prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range step.Headers {
		req.Header.Set(h.Name, ExpandTemplateEnv(h.Value, vars, x.getenv))
	}
	resp, err := x.http.Do(req)
	if err != nil {
		return fmt.Errorf("prepare request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read prepare response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("prepare request status %d: %s", resp.StatusCode, string(body))
	}
	if step.ExtractToVar != "" {
		vars[step.ExtractToVar] = gjson.GetBytes(body, step.ExtractJSONPath).String()
	}
	return nil
}
