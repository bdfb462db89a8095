// Package clients holds the HTTP/WebSocket client the worklet uses to talk
// to the metadata server. Write-back calls run behind a circuit breaker so
// a dead MS does not wedge the execution path.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

// MSClient talks to the metadata server gateway.
type MSClient struct {
	baseURL string
	wsURL   string
	http    *http.Client
	log     *logger.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewMSClient creates a client for the MS at addr (host:port). timeout
// bounds each request attempt.
func NewMSClient(addr string, timeout time.Duration, log *logger.Logger) *MSClient {
	c := &MSClient{
		baseURL: "http://" + addr,
		wsURL:   "ws://" + addr,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ms-writeback",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

func (c *MSClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "failed to encode request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnavailable, "ms not reachable").WithRetryable()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return apperr.New(apperr.KindNotFound, "%s %s: %s", method, path, string(raw))
		case http.StatusBadRequest:
			return apperr.New(apperr.KindInvalidRequest, "%s %s: %s", method, path, string(raw))
		case http.StatusServiceUnavailable:
			return apperr.New(apperr.KindUnavailable, "%s %s: %s", method, path, string(raw)).WithRetryable()
		default:
			return apperr.New(apperr.KindUpstreamError, "%s %s: status=%d body=%s", method, path, resp.StatusCode, string(raw))
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "failed to decode response")
		}
	}
	return nil
}

// RegisterNode registers (or re-registers) this node.
func (c *MSClient) RegisterNode(ctx context.Context, node models.Node) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/nodes", node, nil)
}

// Heartbeat sends a heartbeat with the piggybacked telemetry snapshot.
// A not_found error means the MS lost this node and the caller must
// re-register.
func (c *MSClient) Heartbeat(ctx context.Context, nodeUUID string, ts int64, resource *models.NodeResource) error {
	body := map[string]interface{}{"timestamp": ts}
	if resource != nil {
		body["resource"] = resource
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/nodes/"+nodeUUID+"/heartbeat", body, nil)
}

// GetTask fetches one task from the catalog.
func (c *MSClient) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskResult writes an execution result back to the catalog. Runs
// behind the writeback breaker.
func (c *MSClient) UpdateTaskResult(ctx context.Context, taskID, uri, status string, metadata map[string]string, completedAt int64) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		body := map[string]interface{}{
			"uri":          uri,
			"status":       status,
			"metadata":     metadata,
			"completed_at": completedAt,
		}
		return nil, c.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/result", body, nil)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.Wrap(err, apperr.KindUnavailable, "ms writeback circuit open").WithRetryable()
	}
	return err
}

// RecordExecution mirrors an execution record into the MS index. Runs
// behind the writeback breaker.
func (c *MSClient) RecordExecution(ctx context.Context, exec models.Execution) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doJSON(ctx, http.MethodPost, "/api/v1/executions", exec, nil)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.Wrap(err, apperr.KindUnavailable, "ms writeback circuit open").WithRetryable()
	}
	return err
}

// TaskEventStream is an open task-event subscription.
type TaskEventStream struct {
	conn *websocket.Conn
}

// Next blocks for the next event.
func (s *TaskEventStream) Next() (models.TaskEvent, error) {
	var ev models.TaskEvent
	if err := s.conn.ReadJSON(&ev); err != nil {
		return models.TaskEvent{}, apperr.Wrap(err, apperr.KindUnavailable, "event stream broken").WithRetryable()
	}
	return ev, nil
}

// Close tears the stream down.
func (s *TaskEventStream) Close() error { return s.conn.Close() }

// SubscribeTaskEvents opens the per-node task event stream, replaying
// events past lastEventID first.
func (c *MSClient) SubscribeTaskEvents(ctx context.Context, nodeUUID string, lastEventID int64) (*TaskEventStream, error) {
	q := url.Values{}
	q.Set("node_uuid", nodeUUID)
	q.Set("last_event_id", strconv.FormatInt(lastEventID, 10))
	endpoint := fmt.Sprintf("%s/api/v1/tasks/events/subscribe?%s", c.wsURL, q.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: c.http.Timeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "failed to open event stream").WithRetryable()
	}
	return &TaskEventStream{conn: conn}, nil
}
