// Package api exposes the latest densities, run history, single-frame
// estimation and manual runs over HTTP, with live updates on a websocket.
package api

import (
	iface "TrafficDensity/interface"
	"TrafficDensity/logger"
	"TrafficDensity/monitor"
	"TrafficDensity/pipeline"
	"TrafficDensity/sink"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxImageBytes = 20 * 1024 * 1024

type Runner interface {
	TryRun(ctx context.Context) (*iface.Report, error)
}

type Store interface {
	Latest() *iface.Report
}

type History interface {
	Recent(ctx context.Context, limit int) ([]iface.Report, error)
	Series(ctx context.Context, cameraID string, since time.Time) ([]sink.Point, error)
}

type Server struct {
	Processor pipeline.Processor
	Runner    Runner
	Store     Store
	// History is optional; its routes answer 404 when nil.
	History History
	Hub     *Hub
	// MaxImageBytes caps a single uploaded frame; zero means 20 MiB.
	MaxImageBytes int64

	srv *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/densities", s.densities)
	r.GET("/api/report", s.report)
	r.GET("/api/history", s.history)
	r.GET("/api/history/:camera", s.series)
	r.POST("/api/estimate", s.estimate)
	r.POST("/api/run", s.run)
	r.GET("/ws", s.ws)
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		monitor.RequestsTotal.WithLabelValues("http", c.FullPath()).Inc()
		logger.Log().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) latest(c *gin.Context) (*iface.Report, bool) {
	var r *iface.Report
	if s.Store != nil {
		r = s.Store.Latest()
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has completed yet"})
		return nil, false
	}
	return r, true
}

func (s *Server) densities(c *gin.Context) {
	if r, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, r.Densities)
	}
}

func (s *Server) report(c *gin.Context) {
	if r, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, gin.H{"data": r})
	}
}

func (s *Server) history(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	runs, err := s.History.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (s *Server) series(c *gin.Context) {
	if s.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})
		return
	}
	window, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since"})
		return
	}
	points, err := s.History.Series(c.Request.Context(), c.Param("camera"), time.Now().UTC().Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": points})
}

type estimateRequest struct {
	Image string `json:"image" binding:"required"`
}

// errImageTooLarge is answered with 413.
var errImageTooLarge = errors.New("image too large")

func (s *Server) imageLimit() int64 {
	if s.MaxImageBytes > 0 {
		return s.MaxImageBytes
	}
	return maxImageBytes
}

// readImage accepts a multipart "image" file, a JSON body with a base64
// image (optionally a data: URL) or the raw encoded bytes. Every form is
// capped at imageLimit decoded bytes.
func (s *Server) readImage(c *gin.Context) ([]byte, error) {
	limit := s.imageLimit()
	// base64 and form framing grow the body past the decoded size
	bodyLimit := limit/3*4 + 4096
	ct := c.ContentType()
	if !strings.HasPrefix(ct, "multipart/") && ct != "application/json" {
		bodyLimit = limit
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bodyLimit)

	var (
		frame []byte
		err   error
	)
	switch {
	case strings.HasPrefix(ct, "multipart/"):
		fh, ferr := c.FormFile("image")
		if ferr != nil {
			return nil, tooLarge(ferr)
		}
		f, ferr := fh.Open()
		if ferr != nil {
			return nil, ferr
		}
		defer f.Close()
		frame, err = io.ReadAll(io.LimitReader(f, limit+1))
	case ct == "application/json":
		var req estimateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, tooLarge(err)
		}
		b64 := req.Image
		if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
			b64 = b64[i+1:]
		}
		frame, err = base64.StdEncoding.DecodeString(b64)
	default:
		frame, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		return nil, tooLarge(err)
	}
	if int64(len(frame)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errImageTooLarge, limit)
	}
	return frame, nil
}

func tooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: body exceeds %d bytes", errImageTooLarge, mbe.Limit)
	}
	return err
}

func (s *Server) estimate(c *gin.Context) {
	frame, err := s.readImage(c)
	if errors.Is(err, errImageTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
		return
	}
	out := s.Processor.Process(c.Request.Context(), c.DefaultQuery("camera", "adhoc"), frame)
	body := outcomeJSON(out)
	if !out.Done() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": body["error"], "data": body})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": body})
}

func outcomeJSON(o pipeline.Outcome) gin.H {
	trace := make([]string, len(o.Trace))
	for i, st := range o.Trace {
		trace[i] = st.String()
	}
	h := gin.H{
		"cameraId": o.CameraID,
		"state":    o.State.String(),
		"density":  o.Density,
		"trace":    trace,
	}
	if o.Reason != "" {
		h["reason"] = string(o.Reason)
	}
	if o.Err != nil {
		h["error"] = o.Err.Error()
	}
	return h
}

func (s *Server) run(c *gin.Context) {
	report, err := s.Runner.TryRun(c.Request.Context())
	switch {
	case errors.Is(err, pipeline.ErrRunActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

func (s *Server) ws(c *gin.Context) {
	if s.Hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live updates are not enabled"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	conn.SetReadLimit(1024)
	if s.Store != nil {
		if r := s.Store.Latest(); r != nil {
			if msg, err := json.Marshal(newMessage(r)); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			}
		}
	}
	s.Hub.Register(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.Hub.Unregister(conn)
			return
		}
	}
}

// Start serves the router on port in the background.
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log().Info("http server listening", zap.Int("port", port))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("http server failed", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
