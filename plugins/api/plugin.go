package api

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/BDNK1/chatflow/runtime/plugin"
	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-resty/resty/v2"
)

// Config holds the API plugin configuration with declarative tags
type Config struct {
	// BaseURL prefixes relative request URLs and fallback calls.
	BaseURL     string            `yaml:"base_url" validate:"omitempty,url_format"`
	Timeout     time.Duration     `yaml:"timeout" default:"30s" validate:"gte=1s"`
	MaxRetries  int               `yaml:"max_retries" default:"3" validate:"gte=0,lte=10"`
	RetryWaitMS int               `yaml:"retry_wait_ms" default:"100" validate:"gte=0,lte=10000"`
	// RetryWhen is an expression over status (int) and error (bool)
	// deciding whether a response is retried.
	RetryWhen    string            `yaml:"retry_when" default:"error || status >= 500"`
	Headers      map[string]string `yaml:"headers"`
	FallbackPath string            `yaml:"fallback_path" default:"/actions"`
	Debug        bool              `yaml:"debug" default:"false"`
}

// RequestInput defines the typed input for api.request
type RequestInput struct {
	URL         string            `json:"url" validate:"required"`
	Method      string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"query_parameters"`
	Body        map[string]any    `json:"body"`
	// Form sends Body form-encoded instead of as JSON.
	Form bool `json:"form"`
	// Select picks a dotted path out of the response body.
	Select string `json:"select"`
}

// RequestOutput defines the typed output for api.request
type RequestOutput struct {
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	IsError    bool   `json:"is_error"`
	Body       any    `json:"body"`
}

// APIPlugin calls HTTP APIs from flows, and answers calls to functions no
// other plugin defines by posting them to the fallback endpoint.
type APIPlugin struct {
	Config Config // Exported so the app can set it during registration
	client *resty.Client
	retry  *vm.Program
}

var (
	_ plugin.Lifecycle = &APIPlugin{}
	_ plugin.Fallback  = &APIPlugin{}
)

// Initialize implements plugin.Lifecycle. Config is already validated.
func (a *APIPlugin) Initialize(ctx context.Context) error {
	program, err := compileRetryCondition(a.Config.RetryWhen)
	if err != nil {
		return err
	}
	a.retry = program

	a.client = resty.New().
		SetTimeout(a.Config.Timeout).
		SetRetryCount(a.Config.MaxRetries).
		SetRetryWaitTime(time.Duration(a.Config.RetryWaitMS) * time.Millisecond).
		SetHeaders(a.Config.Headers).
		SetDebug(a.Config.Debug).
		AddRetryCondition(a.shouldRetry)
	if a.Config.BaseURL != "" {
		a.client.SetBaseURL(strings.TrimSuffix(a.Config.BaseURL, "/"))
	}
	return nil
}

// Shutdown implements plugin.Lifecycle
func (a *APIPlugin) Shutdown(ctx context.Context) error {
	// Resty doesn't require explicit cleanup, but we can nil the client
	a.client = nil
	return nil
}

func compileRetryCondition(src string) (*vm.Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	program, err := expr.Compile(src,
		expr.Env(map[string]any{"status": 0, "error": false, "method": ""}),
		expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("api: invalid retry_when %q: %w", src, err)
	}
	return program, nil
}

func (a *APIPlugin) shouldRetry(resp *resty.Response, err error) bool {
	if a.retry == nil {
		return false
	}
	env := map[string]any{"status": 0, "error": err != nil, "method": ""}
	if resp != nil {
		env["status"] = resp.StatusCode()
		if resp.Request != nil {
			env["method"] = resp.Request.Method
		}
	}
	out, runErr := expr.Run(a.retry, env)
	if runErr != nil {
		return false
	}
	retry, _ := out.(bool)
	return retry
}

// Request executes an HTTP request using typed input/output
func (a *APIPlugin) Request(exec *plugin.Execution, input RequestInput) (RequestOutput, error) {
	if a.client == nil {
		return RequestOutput{}, fmt.Errorf("api plugin not initialized")
	}
	method := input.Method
	if method == "" {
		method = "GET"
	}

	var result any
	req := a.client.R().
		SetContext(exec).
		SetHeaders(input.Headers).
		SetQueryParams(input.QueryParams)
	if input.Body != nil {
		if input.Form {
			req.SetFormData(flattenToFormData(input.Body))
		} else {
			req.SetBody(input.Body)
		}
	}

	resp, err := req.Execute(method, input.URL)
	if err != nil {
		return RequestOutput{}, fmt.Errorf("HTTP request failed: %w", err)
	}

	result, err = shapeBody(resp.Body(), input.Select)
	if err != nil {
		return RequestOutput{}, err
	}

	return RequestOutput{
		Status:     resp.Status(),
		StatusCode: resp.StatusCode(),
		IsError:    resp.IsError(),
		Body:       result,
	}, nil
}

// CallFallback implements plugin.Fallback. The call is posted as
//
//	{"name": ..., "args": {...}, "client": {...}, "flow": ..., "step": ...}
//
// to FallbackPath. The response is either a message
// ({"content_type", "content"}) or any object, which is returned as is.
func (a *APIPlugin) CallFallback(exec *plugin.Execution, name string, args map[string]any) (map[string]any, error) {
	if a.client == nil {
		return nil, fmt.Errorf("api plugin not initialized")
	}
	if a.Config.BaseURL == "" {
		return nil, fmt.Errorf("unknown function %s and no api base_url configured", name)
	}

	payload := map[string]any{
		"name": name,
		"args": args,
		"client": map[string]any{
			"bot_id":     exec.Client.BotID,
			"channel_id": exec.Client.ChannelID,
			"user_id":    exec.Client.UserID,
		},
		"flow": exec.FlowName(),
		"step": exec.StepName,
	}

	resp, err := a.client.R().
		SetContext(exec).
		SetBody(payload).
		Post(a.Config.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s returned %s", a.Config.FallbackPath, resp.Status())
	}

	body, err := shapeBody(resp.Body(), "")
	if err != nil {
		return nil, err
	}
	switch v := body.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return nil, nil
	default:
		return map[string]any{"result": v}, nil
	}
}

// shapeBody decodes a JSON response body, optionally narrowed to the
// dotted path sel. Non-JSON bodies are returned as text.
func shapeBody(body []byte, sel string) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return string(body), nil
	}
	if sel == "" {
		return parsed.Data(), nil
	}
	if !parsed.ExistsP(sel) {
		return nil, fmt.Errorf("response has no %s", sel)
	}
	return parsed.Path(sel).Data(), nil
}

// flattenToFormData flattens nested maps and slices into bracketed form
// keys, e.g. metadata[order_id] and items[0].
func flattenToFormData(data map[string]any) map[string]string {
	result := make(map[string]string)
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flattenValue(k, data[k], result)
	}
	return result
}

func flattenValue(prefix string, value any, result map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for k, item := range v {
			flattenValue(fmt.Sprintf("%s[%s]", prefix, k), item, result)
		}
	case []any:
		for i, item := range v {
			flattenValue(fmt.Sprintf("%s[%d]", prefix, i), item, result)
		}
	case nil:
		result[prefix] = ""
	case string:
		result[prefix] = v
	default:
		result[prefix] = runtime.FromGo(v).Text()
	}
}
