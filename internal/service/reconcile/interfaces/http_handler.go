package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"vigil/internal/pkg/logger"
	"vigil/internal/service/reconcile/application"
)

const serviceName = "reconcile-service"

// ReconcileHandler 封装了对账服务的 HTTP 处理器
type ReconcileHandler struct {
	service *application.ReconcileApplicationService
}

// NewReconcileHandler 创建一个新的 HTTP 处理器实例
func NewReconcileHandler(service *application.ReconcileApplicationService) *ReconcileHandler {
	return &ReconcileHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *ReconcileHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/start_session", h.startSessionHandler)
	mux.HandleFunc("/cancel_session", h.cancelSessionHandler)
	mux.HandleFunc("/session_status", h.sessionStatusHandler)
}

func (h *ReconcileHandler) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(ctx, "reconcile.StartSessionHandler")
	defer span.End()

	var cmd application.StartSessionCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cmd.InvoiceID == "" || cmd.DeviceID == "" {
		http.Error(w, "invoiceId and deviceId are required", http.StatusBadRequest)
		return
	}

	view, err := h.service.StartSession(ctx, cmd)
	if err != nil {
		if errors.Is(err, application.ErrSessionActive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("failed to start session")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// 会话在后台推进，这里只确认受理
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(view)
}

func (h *ReconcileHandler) cancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(r.Context(), "reconcile.CancelSessionHandler")
	defer span.End()

	var cmd application.CancelSessionCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cmd.InvoiceID == "" {
		http.Error(w, "invoiceId is required", http.StatusBadRequest)
		return
	}

	view, err := h.service.CancelSession(ctx, cmd)
	if err != nil {
		if errors.Is(err, application.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("failed to cancel session")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (h *ReconcileHandler) sessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(r.Context(), "reconcile.SessionStatusHandler")
	defer span.End()

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	view, err := h.service.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, application.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("failed to load session")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}
