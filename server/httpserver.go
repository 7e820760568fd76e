package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30

	contentTypeJSON = "application/json"
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.logHandler != nil {
		handlers = append([]rpc.ProgressHandler{h.logHandler}, handlers...)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), handlers...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/stats", h.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	if h.master != nil {
		r.Route("/migrations", func(r chi.Router) {
			r.Post("/", h.handleStartMigration)
			r.Get("/", h.handleListMigrations)
			r.Get("/{id}", h.handleGetMigration)
		})
	}
	return r
}

func (h *HttpServer) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, h.Stats(req.Context()))
}

func (h *HttpServer) handleStartMigration(w http.ResponseWriter, req *http.Request) {
	span, ctx := trace.StartSpanFromContext(req.Context(), "")
	args := &proto.StartMigrationRequest{}
	if err := json.NewDecoder(req.Body).Decode(args); err != nil {
		writeError(w, apierrors.ErrInvalidArgument)
		return
	}
	resp, err := h.master.StartMigration(ctx, args)
	if err != nil {
		span.Warnf("start migration of %s failed: %s", args.Namespace, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HttpServer) handleGetMigration(w http.ResponseWriter, req *http.Request) {
	resp, err := h.master.GetMigration(req.Context(), &proto.GetMigrationRequest{ID: chi.URLParam(req, "id")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Record)
}

func (h *HttpServer) handleListMigrations(w http.ResponseWriter, req *http.Request) {
	resp, err := h.master.ListMigrations(req.Context(), &proto.Empty{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type httpError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// writeError answers with the http status matching the grpc status the
// same error would carry.
func writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(apierrors.ToStatus(err))
	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		code = http.StatusConflict
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, httpError{Code: st.Code().String(), Error: err.Error()})
}
