package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+">")
				resp, err := next(ctx, req)
				order = append(order, "<"+name)
				return resp, err
			}
		}
	}
	base := func(context.Context, any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil || resp != "ok" {
		t.Fatalf("got %v %v", resp, err)
	}
	if got := strings.Join(order, " "); got != "a> b> endpoint <b <a" {
		t.Errorf("order: %s", got)
	}
}

func TestLogging_Failure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	boom := errors.New("boom")
	ep := Logging(logger, "keywords.add")(func(context.Context, any) (any, error) { return nil, boom })

	ctx := WithRequestID(WithTransport(context.Background(), "mcp"), "req-1")
	if _, err := ep(ctx, nil); !errors.Is(err, boom) {
		t.Fatalf("error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"op":"keywords.add"`, `"transport":"mcp"`, `"request_id":"req-1"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestContext(t *testing.T) {
	ctx := context.Background()
	if GetTransport(ctx) != "http" {
		t.Error("default transport")
	}
	ctx = WithPageID(ctx, "zhihu-feed")
	if GetPageID(ctx) != "zhihu-feed" || GetRequestID(ctx) != "" {
		t.Error("page id round trip")
	}
}

func TestJSONArgs(t *testing.T) {
	type req struct {
		Keyword string `json:"keyword"`
	}
	dec := JSONArgs[req]()
	v, err := dec(json.RawMessage(`{"keyword":"spam"}`))
	if err != nil || v.(req).Keyword != "spam" {
		t.Fatalf("decode: %v %v", v, err)
	}
	if v, err := dec(nil); err != nil || v.(req).Keyword != "" {
		t.Errorf("empty args: %v %v", v, err)
	}
	if _, err := dec(json.RawMessage(`{`)); err == nil {
		t.Error("bad json accepted")
	}
}
