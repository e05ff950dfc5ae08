package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/petrijr/flowcore/pkg/api"
)

type (
	// ExecutorKind selects a built-in executor implementation
	ExecutorKind string

	// ExecutorSpec declares one executor of a graph file
	ExecutorSpec struct {
		Kind    ExecutorKind   `yaml:"kind"`
		URL     string         `yaml:"url,omitempty"`
		Timeout time.Duration  `yaml:"timeout,omitempty"`
		Values  map[string]any `yaml:"values,omitempty"`
	}

	// Options supplies the collaborators of built-in executors
	Options struct {
		Client *http.Client
		Logger *slog.Logger
	}
)

const (
	// KindNoop passes data through unchanged
	KindNoop ExecutorKind = "noop"

	// KindSet merges Values into every item
	KindSet ExecutorKind = "set"

	// KindAsync parks contexts until they are completed over the API
	KindAsync ExecutorKind = "async"

	// KindLog logs every item at info level
	KindLog ExecutorKind = "log"

	// KindHTTP posts the items as a JSON array to URL and expects an
	// array of the same length back
	KindHTTP ExecutorKind = "http"
)

const DefaultHTTPTimeout = 10 * time.Second

var (
	ErrUnknownKind = errors.New("unknown executor kind")
	ErrMissingURL  = errors.New("http executor requires url")
	ErrHTTPStatus  = errors.New("unexpected http status")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (o Options) build(spec ExecutorSpec) (api.TaskExecutor, error) {
	switch spec.Kind {
	case KindNoop, "":
		return api.TaskFunc(func(context.Context, []api.Data) ([]api.Data, error) {
			return nil, nil
		}), nil
	case KindSet:
		values := spec.Values
		return api.EachFunc(func(_ context.Context, d api.Data) (api.Data, error) {
			out := d.Clone()
			for k, v := range values {
				out[k] = v
			}
			return out, nil
		}), nil
	case KindAsync:
		return api.TaskFunc(func(context.Context, []api.Data) ([]api.Data, error) {
			return nil, api.ErrAsync
		}), nil
	case KindLog:
		logger := o.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return api.TaskFunc(func(_ context.Context, data []api.Data) ([]api.Data, error) {
			for _, d := range data {
				logger.Info("Flow data", slog.Any("data", d))
			}
			return nil, nil
		}), nil
	case KindHTTP:
		if spec.URL == "" {
			return nil, ErrMissingURL
		}
		client := o.Client
		if client == nil {
			timeout := spec.Timeout
			if timeout <= 0 {
				timeout = DefaultHTTPTimeout
			}
			client = &http.Client{Timeout: timeout}
		}
		return &httpExecutor{url: spec.URL, client: client}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, spec.Kind)
	}
}

type httpExecutor struct {
	url    string
	client *http.Client
}

func (e *httpExecutor) Execute(ctx context.Context, data []api.Data) ([]api.Data, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, api.ErrAsync
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out []api.Data
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
