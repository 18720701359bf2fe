package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yoockh/threadline/internal/models"
	"github.com/yoockh/threadline/internal/sse"
	"github.com/yoockh/threadline/internal/utils"
)

// InternalPrefix is where the internal API surface is mounted.
const InternalPrefix = "/internal/v1"

type operation struct {
	method string
	path   string // fmt template, %s are path-escaped ids
}

var operations = map[string]operation{
	"createThread":         {http.MethodPost, "/threads"},
	"getThread":            {http.MethodGet, "/threads/%s"},
	"listThreads":          {http.MethodGet, "/threads"},
	"updateThread":         {http.MethodPatch, "/threads/%s"},
	"deleteThread":         {http.MethodDelete, "/threads/%s"},
	"addMessage":           {http.MethodPost, "/threads/%s/messages"},
	"updateMessage":        {http.MethodPatch, "/threads/%s/messages/%s"},
	"completeChatPrompt":   {http.MethodPost, "/threads/%s/completions"},
	"streamChatCompletion": {http.MethodPost, "/threads/%s/completions/stream"},
	"cancelGeneration":     {http.MethodDelete, "/threads/%s/generation"},
}

// Remote calls the internal API of another instance. Every failure comes
// back as an AppError; transport problems use TRANSPORT_FAILURE.
type Remote struct {
	baseURL       string
	token         string
	http          *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
}

type RemoteConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds store calls.
	Timeout time.Duration
	// StreamTimeout bounds calls that wait on a provider, streamed or not.
	// It should not be shorter than the remote side's provider timeout.
	StreamTimeout time.Duration
	HTTPClient    *http.Client
}

func NewRemote(cfg RemoteConfig) *Remote {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Minute
	}
	return &Remote{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		http:          hc,
		timeout:       cfg.Timeout,
		streamTimeout: cfg.StreamTimeout,
	}
}

// ErrorBody is the JSON error shape of both API surfaces.
type ErrorBody struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func (r *Remote) newRequest(ctx context.Context, name, userID string, ids []string, query url.Values, in any) (*http.Request, error) {
	o, ok := operations[name]
	if !ok {
		return nil, utils.E(utils.CodeInternal, "Remote."+name, "unknown operation", nil)
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = url.PathEscape(id)
	}
	u := r.baseURL + InternalPrefix + fmt.Sprintf(o.path, args...)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, utils.E(utils.CodeInvalidArgument, "Remote."+name, "unencodable request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, o.method, u, body)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, "Remote."+name, "failed to build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	return req, nil
}

func (r *Remote) call(ctx context.Context, name, userID string, ids []string, query url.Values, in, out any) error {
	return r.callWithin(ctx, r.timeout, name, userID, ids, query, in, out)
}

func (r *Remote) callWithin(ctx context.Context, timeout time.Duration, name, userID string, ids []string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := r.newRequest(ctx, name, userID, ids, query, in)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return transportError("Remote."+name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError("Remote."+name, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError("Remote."+name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func transportError(op string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return utils.E(utils.CodeTransportFailure, op, "remote call timed out", err)
	case errors.Is(err, context.Canceled):
		return utils.E(utils.CodeTransportFailure, op, "remote call cancelled", err)
	default:
		return utils.E(utils.CodeTransportFailure, op, "remote call failed", err)
	}
}

// decodeError rebuilds the AppError the remote side reported, falling back
// to the status code when the body is not an error document.
func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body ErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Code != "" {
		return utils.E(body.Code, op, body.Message, nil)
	}
	return utils.E(utils.CodeForStatus(resp.StatusCode), op, http.StatusText(resp.StatusCode), nil)
}

func (r *Remote) CreateThread(ctx context.Context, p models.CreateThreadParams) (*models.ContextThread, error) {
	var out models.ContextThread
	if err := r.call(ctx, "createThread", "", nil, nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) GetThread(ctx context.Context, threadID string) (*models.ContextThread, error) {
	var out models.ContextThread
	if err := r.call(ctx, "getThread", "", []string{threadID}, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) ListThreads(ctx context.Context, limit, offset int) ([]models.ThreadSummary, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out []models.ThreadSummary
	if err := r.call(ctx, "listThreads", "", nil, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) UpdateThread(ctx context.Context, threadID string, p models.UpdateThreadParams) (*models.ContextThread, error) {
	var out models.ContextThread
	if err := r.call(ctx, "updateThread", "", []string{threadID}, nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) DeleteThread(ctx context.Context, threadID string) error {
	return r.call(ctx, "deleteThread", "", []string{threadID}, nil, nil, nil)
}

func (r *Remote) AddMessage(ctx context.Context, threadID string, p models.MessagePayload) (*models.ContextThread, error) {
	var out models.ContextThread
	if err := r.call(ctx, "addMessage", "", []string{threadID}, nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) UpdateMessage(ctx context.Context, threadID, messageID string, p models.MessagePatch) (*models.ContextThread, error) {
	var out models.ContextThread
	if err := r.call(ctx, "updateMessage", "", []string{threadID, messageID}, nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) CompleteChatPrompt(ctx context.Context, userID string, req models.CompletionRequest) (*models.CompletionResult, error) {
	var out models.CompletionResult
	if err := r.callWithin(ctx, r.streamTimeout, "completeChatPrompt", userID, []string{req.ThreadID}, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) CancelGeneration(ctx context.Context, threadID string) error {
	return r.call(ctx, "cancelGeneration", "", []string{threadID}, nil, nil, nil)
}

// StreamChatCompletion replays the remote event stream to onChunk. When
// onChunk reports the consumer gone the connection is dropped; the remote
// side keeps persisting.
func (r *Remote) StreamChatCompletion(ctx context.Context, userID string, req models.CompletionRequest, onChunk models.ChunkHandler) error {
	const op = "Remote.streamChatCompletion"

	ctx, cancel := context.WithTimeout(ctx, r.streamTimeout)
	defer cancel()

	hreq, err := r.newRequest(ctx, "streamChatCompletion", userID, []string{req.ThreadID}, nil, req)
	if err != nil {
		return err
	}
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := r.http.Do(hreq)
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return decodeError(op, resp)
	}

	reader := sse.NewReader(resp.Body)
	defer reader.Close()

	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return utils.E(utils.CodeTransportFailure, op, "event stream ended before a terminal event", nil)
		}
		if err != nil {
			return transportError(op, err)
		}

		var ev models.ChunkEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			return transportError(op, fmt.Errorf("decode event: %w", err))
		}
		if ev.Type == "" {
			ev.Type = models.EventType(frame.Event)
		}

		if onChunk != nil {
			if err := onChunk(ev); err != nil {
				return nil
			}
		}

		switch ev.Type {
		case models.EventDone:
			return nil
		case models.EventError:
			if ev.Error == nil {
				return utils.E(utils.CodeInternal, op, "generation failed", nil)
			}
			return utils.E(utils.Code(ev.Error.Code), op, ev.Error.Message, nil)
		}
	}
}
