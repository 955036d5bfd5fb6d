package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

// maxBody caps the response body kept in the step output.
const maxBody = 4096

// HTTP calls an HTTP API, typically the container manager.
//
// Params:
//
//	method        default GET
//	url           request URL
//	body          request body
//	content_type  default application/json when a body is set
//	token_secret  secret name sent as a bearer token
//	accept        comma separated accepted status codes, default any 2xx
type HTTP struct {
	Client  *http.Client
	Secrets Secrets
}

// Run implements engine.ActionHandler.
func (h *HTTP) Run(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
	if err := required(req, "url"); err != nil {
		return nil, err
	}
	accept, err := exitCodes(req.Param("accept"))
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Param("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := req.Param("body"); b != "" {
		body = strings.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.Param("url"), body)
	if err != nil {
		return nil, engine.NewFatalError("invalid request", err).WithCode(engine.ErrCodeValidation)
	}
	if body != nil {
		ct := req.Param("content_type")
		if ct == "" {
			ct = "application/json"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	httpReq.Header.Set("Accept", "application/json")
	if name := req.Param("token_secret"); name != "" {
		if h.Secrets == nil {
			return nil, secretError(name, fmt.Errorf("no secret resolver configured"))
		}
		token, err := h.Secrets.Secret(req.Config, name)
		if err != nil {
			return nil, secretError(name, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, contextError(ctx, engine.NewTransientError(method+" "+httpReq.URL.Redacted()+" failed", err))
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	line := fmt.Sprintf("%s %s -> %d", method, httpReq.URL.Redacted(), resp.StatusCode)
	if req.Log != nil {
		req.Log(line)
	}
	result := &engine.ActionResult{Output: line + "\n" + string(data)}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if len(accept) > 0 {
		ok = accept[resp.StatusCode]
	}
	if ok {
		return result, nil
	}
	return result, statusError(resp.StatusCode, strings.TrimSpace(string(data)))
}

// statusError classifies an unexpected HTTP status: rate limiting and
// server errors are transient, everything else is fatal.
func statusError(status int, body string) error {
	msg := fmt.Sprintf("unexpected status %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusTooManyRequests:
		return engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeRateLimited).WithDetail("status", status)
	case status >= 500:
		return engine.NewTransientError(msg, nil).WithDetail("status", status)
	default:
		return engine.NewFatalError(msg, nil).WithCode("HTTP_"+strconv.Itoa(status)).WithDetail("status", status)
	}
}
