package sieve

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/kit"
	"github.com/hazyhaar/domsieve/notion"
	"github.com/hazyhaar/domsieve/rules"
)

// Handler is the control surface: the renderer page, metrics, the JSON
// API and, when enabled, MCP over streamable HTTP.
//
//	GET    /render?code=…
//	GET    /metrics
//	GET    /api/rules
//	POST   /api/rules/keywords          {"keyword": "…"}
//	DELETE /api/rules/keywords/{keyword}
//	PUT    /api/rules/disabled          {"disabled": true}
//	GET    /api/pages
//	GET    /api/pages/{id}/stats
//	POST   /api/pages/{id}/scan
//	GET    /api/notion/targets?q=…
//	GET    /api/clips?limit=…
//	GET    /api/clips/{id}
//	POST   /api/clips                   {"item_html": "…", "page_title": "…", "page_url": "…"}
func (w *Watcher) Handler() http.Handler {
	eps := w.endpoints()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(kitContext)

	// The renderer is loaded by page iframes, which carry no token.
	r.Handle("/render", w.render)
	r.Handle("/metrics", w.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(w.auth())
		r.Route("/api", func(r chi.Router) {
			r.Get("/rules", serve(eps.rules, noBody))
			r.Post("/rules/keywords", serve(eps.addKeyword, jsonBody[KeywordRequest]))
			r.Delete("/rules/keywords/{keyword}", serve(eps.removeKeyword, func(r *http.Request) (KeywordRequest, error) {
				return KeywordRequest{Keyword: pathParam(r, "keyword")}, nil
			}))
			r.Put("/rules/disabled", serve(eps.setDisabled, jsonBody[DisabledRequest]))

			r.Get("/pages", serve(eps.pages, noBody))
			r.Get("/pages/{id}/stats", serve(eps.pageStats, pageRequest))
			r.Post("/pages/{id}/scan", serve(eps.scan, pageRequest))

			r.Get("/notion/targets", serve(eps.targets, func(r *http.Request) (SearchRequest, error) {
				return SearchRequest{Query: r.URL.Query().Get("q")}, nil
			}))

			r.Get("/clips", serve(eps.clips, func(r *http.Request) (ClipListRequest, error) {
				var req ClipListRequest
				if s := r.URL.Query().Get("limit"); s != "" {
					n, err := strconv.Atoi(s)
					if err != nil {
						return req, err
					}
					req.Limit = n
				}
				return req, nil
			}))
			r.Get("/clips/{id}", serve(eps.clipGet, func(r *http.Request) (ClipGetRequest, error) {
				return ClipGetRequest{ID: pathParam(r, "id")}, nil
			}))
			r.Post("/clips", serve(eps.clip, jsonBody[ClipRequest]))
		})
		if w.cfg.HTTP.MCP {
			r.Handle("/mcp", w.mcpHandler())
		}
	})
	return r
}

// auth checks the bearer token against the configured bcrypt hash. The
// last accepted token is remembered so bcrypt runs once per token change.
func (w *Watcher) auth() func(http.Handler) http.Handler {
	hash := w.cfg.HTTP.TokenHash
	var accepted atomic.Pointer[string]
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeError(rw, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if last := accepted.Load(); last == nil || subtle.ConstantTimeCompare([]byte(*last), []byte(token)) != 1 {
				if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
					writeError(rw, http.StatusUnauthorized, "invalid token")
					return
				}
				accepted.Store(&token)
			}
			next.ServeHTTP(rw, r)
		})
	}
}

// kitContext carries the chi request ID into the endpoint context.
func kitContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = kit.WithRequestID(ctx, id)
		}
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// serve adapts an endpoint to HTTP with a typed request decoder.
func serve[T any](ep kit.Endpoint, decode func(*http.Request) (T, error)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			writeError(rw, statusOf(err), err.Error())
			return
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func noBody(*http.Request) (struct{}, error) { return struct{}{}, nil }

func jsonBody[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 16<<20))
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func pageRequest(r *http.Request) (PageRequest, error) {
	return PageRequest{PageID: pathParam(r, "id")}, nil
}

// pathParam returns a decoded path parameter. chi routes on RawPath when
// the request has one and on the already decoded Path otherwise.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPage), errors.Is(err, clip.ErrNotFound), errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotAttached), errors.Is(err, ErrReadOnlyRules):
		return http.StatusConflict
	case errors.Is(err, rules.ErrEmptyKeyword), errors.Is(err, errMissingField):
		return http.StatusBadRequest
	case errors.Is(err, notion.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
