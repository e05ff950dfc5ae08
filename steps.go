package flowcore

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/petrijr/flowcore/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sleep returns an executor that waits for d and passes data through.
func Sleep(d time.Duration) TaskExecutor {
	return api.TaskFunc(func(ctx context.Context, _ []api.Data) ([]api.Data, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, nil
		}
	})
}

// Async returns an executor that parks every context until Complete is
// called for it.
func Async() TaskExecutor {
	return api.TaskFunc(func(context.Context, []api.Data) ([]api.Data, error) {
		return nil, api.ErrAsync
	})
}

// Set returns an executor that merges values into every item.
func Set(values map[string]any) TaskExecutor {
	return api.EachFunc(func(_ context.Context, d api.Data) (api.Data, error) {
		out := d.Clone()
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	})
}

// Typed wraps a strongly-typed function into a TaskExecutor. Items are
// converted through their JSON form.
// Example:
//
//	flowcore.Typed(func(ctx context.Context, o Order) (Order, error) { ... })
func Typed[I, O any](fn func(context.Context, I) (O, error)) TaskExecutor {
	return api.EachFunc(func(ctx context.Context, d api.Data) (api.Data, error) {
		var in I
		if err := convert(d, &in); err != nil {
			return nil, fmt.Errorf("decode %T: %w", in, err)
		}
		res, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		out := api.Data{}
		if err := convert(res, &out); err != nil {
			return nil, fmt.Errorf("encode %T: %w", res, err)
		}
		return out, nil
	})
}

func convert(from, to any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, to)
}
