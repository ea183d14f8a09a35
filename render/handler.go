package render

import (
	"bytes"
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

//go:embed renderer.html
var rendererHTML string

var pageTmpl = template.Must(template.New("renderer").Parse(rendererHTML))

// HandlerConfig configures the renderer page.
type HandlerConfig struct {
	MermaidURL string
	// LoadTimeout bounds the wait for the diagram library. Default 5s.
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

// Handler serves the renderer page at GET ?code=<Encode(code)>. Decode
// failures are shown inside the page, with status 200, because the page is
// only ever seen inside the iframe.
type Handler struct {
	cfg HandlerConfig

	served, failed atomic.Int64
}

// NewHandler returns the renderer page handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MermaidURL == "" {
		cfg.MermaidURL = DefaultMermaidURL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg}
}

type pageData struct {
	Code       string
	Error      string
	MermaidURL string
	TimeoutMS  int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data := pageData{MermaidURL: h.cfg.MermaidURL, TimeoutMS: h.cfg.LoadTimeout.Milliseconds()}
	code, err := Decode(r.URL.Query().Get("code"))
	if err != nil {
		h.failed.Add(1)
		h.cfg.Logger.Debug("render: bad code parameter", "error", err)
		data.Error = err.Error()
	} else {
		h.served.Add(1)
		data.Code = code
	}

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		h.cfg.Logger.Error("render: template", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// HandlerStats counts served pages.
type HandlerStats struct {
	Served int64 `json:"served"`
	Failed int64 `json:"failed"`
}

func (h *Handler) Stats() HandlerStats {
	return HandlerStats{Served: h.served.Load(), Failed: h.failed.Load()}
}
