package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/internal/middleware"
	"github.com/trr/admin-api/internal/model"
	"github.com/trr/admin-api/internal/sse"
	"github.com/trr/admin-api/internal/streamproxy"
	"github.com/trr/admin-api/pkg/response"
)

// PrepareFunc normalizes and validates a decoded request body.
type PrepareFunc func(v *validator.Validate, body map[string]interface{}) (map[string]interface{}, error)

// StreamRoute binds path parameters to a backend stream endpoint.
type StreamRoute struct {
	Name        string
	Params      []string
	BackendPath string // one %s per escaped parameter, in Params order
	Prepare     PrepareFunc
}

var (
	RefreshShowPhotos = StreamRoute{
		Name:        "refresh_show_photos",
		Params:      []string{"showId"},
		BackendPath: "/admin/shows/%s/refresh-photos/stream",
		Prepare:     prepareRefreshPhotos,
	}
	RefreshPersonImages = StreamRoute{
		Name:        "refresh_person_images",
		Params:      []string{"personId"},
		BackendPath: "/admin/person/%s/refresh-images/stream",
	}
	ReprocessPersonImages = StreamRoute{
		Name:        "reprocess_person_images",
		Params:      []string{"personId"},
		BackendPath: "/admin/person/%s/reprocess-images/stream",
	}
	SeasonAssetBatchJobs = StreamRoute{
		Name:        "season_asset_batch_jobs",
		Params:      []string{"showId", "seasonNumber"},
		BackendPath: "/admin/shows/%s/seasons/%s/assets/batch-jobs/stream",
	}
	PreviewBravoImport = StreamRoute{
		Name:        "preview_bravo_import",
		Params:      []string{"showId"},
		BackendPath: "/admin/shows/%s/import-bravo/preview/stream",
	}
)

func prepareRefreshPhotos(v *validator.Validate, body map[string]interface{}) (map[string]interface{}, error) {
	body = model.NormalizeRefreshPhotosBody(body)
	opts, err := model.ParseRefreshPhotosOptions(body)
	if err != nil {
		return nil, err
	}
	if err := v.Struct(opts); err != nil {
		return nil, err
	}
	return body, nil
}

// BackendStatus reports whether the backend can be called at all.
type BackendStatus interface {
	IsConfigured() bool
	HasCredential() bool
}

// StreamRunner runs one proxied backend stream.
type StreamRunner interface {
	Run(ctx context.Context, req streamproxy.Request, sink streamproxy.Sink) streamproxy.Outcome
}

type StreamHandler struct {
	backend   BackendStatus
	proxy     StreamRunner
	validator *validator.Validate
}

func NewStreamHandler(backend BackendStatus, proxy StreamRunner, v *validator.Validate) *StreamHandler {
	return &StreamHandler{
		backend:   backend,
		proxy:     proxy,
		validator: v,
	}
}

// preparedRequest is a route request that passed every pre-stream check.
type preparedRequest struct {
	ids         []string
	backendPath string
	body        []byte
}

// logFields names each path parameter for request logs.
func (r *preparedRequest) logFields(route StreamRoute) log.Fields {
	fields := log.Fields{}
	for i, name := range route.Params {
		fields[name] = r.ids[i]
	}
	return fields
}

// requestError is a pre-stream rejection. err keeps the validator error, if
// any, for callers that report it field by field.
type requestError struct {
	status  int
	message string
	detail  string
	err     error
}

// prepare runs the path, body and backend configuration checks for route.
func prepare(c *fiber.Ctx, route StreamRoute, backend BackendStatus, v *validator.Validate) (*preparedRequest, *requestError) {
	ids := make([]string, len(route.Params))
	for i, name := range route.Params {
		ids[i] = pathParam(c, name)
		if ids[i] == "" {
			return nil, &requestError{status: fiber.StatusBadRequest, message: requiredMessage(route.Params)}
		}
	}

	body, err := model.DecodeBody(c.Body())
	if err != nil {
		return nil, &requestError{status: fiber.StatusBadRequest, message: "Invalid JSON body"}
	}

	if route.Prepare != nil {
		body, err = route.Prepare(v, body)
		if err != nil {
			var fieldErr *model.FieldTypeError
			if errors.As(err, &fieldErr) {
				return nil, &requestError{status: fiber.StatusBadRequest, message: "Invalid request body", detail: fieldErr.Error()}
			}
			return nil, &requestError{status: fiber.StatusBadRequest, message: "Validation failed", detail: validationDetail(err), err: err}
		}
	}

	if !backend.IsConfigured() {
		return nil, &requestError{status: fiber.StatusInternalServerError, message: "Backend API not configured"}
	}
	if !backend.HasCredential() {
		return nil, &requestError{status: fiber.StatusInternalServerError, message: "Backend auth not configured"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, &requestError{status: fiber.StatusBadRequest, message: "Invalid JSON body"}
	}

	escaped := make([]interface{}, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}

	return &preparedRequest{
		ids:         ids,
		backendPath: fmt.Sprintf(route.BackendPath, escaped...),
		body:        encoded,
	}, nil
}

func requiredMessage(params []string) string {
	if len(params) == 1 {
		return params[0] + " is required"
	}
	return strings.Join(params, " and ") + " are required"
}

func pathParam(c *fiber.Ctx, name string) string {
	raw := c.Params(name)
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return strings.TrimSpace(raw)
}

// Proxy handles POST requests for a stream route and relays the backend SSE
// stream once the pre-stream checks pass.
func (h *StreamHandler) Proxy(route StreamRoute) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := middleware.RequestID(c)

		req, rerr := prepare(c, route, h.backend, h.validator)
		if rerr != nil {
			return response.ProxyError(c, rerr.status, rerr.message, rerr.detail, requestID)
		}

		logger := log.WithFields(log.Fields{
			"request_id": requestID,
			"route":      route.Name,
		}).WithFields(req.logFields(route))

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-store, max-age=0")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")
		c.Status(fiber.StatusOK)

		// The stream writer runs after the handler returns, so nothing below
		// may touch c.
		proxyReq := streamproxy.Request{
			Path:      req.backendPath,
			Body:      req.body,
			RequestID: requestID,
		}
		ctx, cancel := context.WithCancel(context.Background())

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()
			started := time.Now()

			out := h.proxy.Run(ctx, proxyReq, &flushSink{w: w, cancel: cancel})

			entry := logger.WithFields(log.Fields{
				"attempts":        out.Attempts,
				"forwarded_bytes": out.ForwardedBytes,
				"duration_ms":     time.Since(started).Milliseconds(),
			})
			if out.Terminal != nil {
				entry.WithField("checkpoint", out.Terminal.Checkpoint).Warn("Stream ended with error")
				return
			}
			entry.Info("Stream finished")
		})

		return nil
	}
}

// flushSink writes frames straight to the client connection. A failed flush
// means the client is gone and cancels the proxied request.
type flushSink struct {
	w      *bufio.Writer
	cancel context.CancelFunc
}

func (s *flushSink) Event(ev sse.Event) error {
	if err := sse.Write(s.w, ev); err != nil {
		s.cancel()
		return err
	}
	return s.flush()
}

func (s *flushSink) Forward(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		s.cancel()
		return err
	}
	return s.flush()
}

func (s *flushSink) flush() error {
	if err := s.w.Flush(); err != nil {
		s.cancel()
		return err
	}
	return nil
}
