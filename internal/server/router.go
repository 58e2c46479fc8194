package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/apperrors"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/config"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/dispatch"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/event"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/health"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/metrics"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/ratelimit"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/retry"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type ctxKey int

const clientIDKey ctxKey = 0

type enqueueRequest struct {
	Destination   string            `json:"destination"`
	Message       string            `json:"message"`
	Priority      string            `json:"priority"`
	RetryStrategy string            `json:"retry_strategy"`
	MaxRetries    int               `json:"max_retries"`
	ScheduledAt   *time.Time        `json:"scheduled_at"`
	Metadata      map[string]string `json:"metadata"`
}

func SetupRouter(
	r *chi.Mux,
	cfg *config.Config,
	svc *dispatch.Service,
	aggregator *health.Aggregator,
	collector *metrics.Collector,
	events *event.Publisher,
	limiter *ratelimit.Limiter,
	logger *log.Logger,
) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := aggregator.Evaluate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snap.Status == health.Critical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, logger, healthResponse(snap))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/sms", func(w http.ResponseWriter, r *http.Request) {
			clientID := clientFrom(r.Context())
			if decision := limiter.Allow(clientID, "enqueue"); !decision.Allowed {
				writeError(w, logger, apperrors.RateLimited(decision.RetryAfter))
				return
			}

			var req enqueueRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode enqueue request", zap.Error(err))
				writeError(w, logger, apperrors.Validation("body", "invalid request body"))
				return
			}
			priority, err := store.ParsePriority(req.Priority)
			if err != nil {
				writeError(w, logger, apperrors.Validation("priority", err.Error()))
				return
			}
			strategy, err := retry.ParseStrategy(req.RetryStrategy)
			if err != nil {
				writeError(w, logger, apperrors.Validation("retry_strategy", err.Error()))
				return
			}

			start := time.Now()
			res, err := svc.Enqueue(dispatch.EnqueueRequest{
				ClientID:      clientID,
				Destination:   req.Destination,
				Message:       req.Message,
				Priority:      priority,
				RetryStrategy: strategy,
				MaxRetries:    req.MaxRetries,
				ScheduledAt:   req.ScheduledAt,
				Metadata:      req.Metadata,
			})
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, logger, res)
			logger.Info("Enqueue request served", zap.Int64("id", res.ID), zap.Duration("duration", time.Since(start)))
		})

		r.Get("/sms/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := pathID(r)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			res, err := svc.Status(id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, logger, res)
		})

		r.Post("/sms/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			id, err := pathID(r)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			res, err := svc.Cancel(id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, logger, res)
		})

		r.Post("/sms/{id}/reprioritize", func(w http.ResponseWriter, r *http.Request) {
			id, err := pathID(r)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			var req struct {
				Priority string `json:"priority"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, logger, apperrors.Validation("body", "invalid request body"))
				return
			}
			priority, err := store.ParsePriority(req.Priority)
			if err != nil {
				writeError(w, logger, apperrors.Validation("priority", err.Error()))
				return
			}
			res, err := svc.Reprioritize(id, priority)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, logger, res)
		})

		r.Post("/queue/control", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Action string `json:"action"`
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, logger, apperrors.Validation("body", "invalid request body"))
				return
			}
			res, err := svc.Control(dispatch.ControlAction(req.Action), req.Reason)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, logger, res)
		})

		r.Post("/queue/clear", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Status    string `json:"status"`
				Priority  string `json:"priority"`
				OlderThan string `json:"older_than"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, logger, apperrors.Validation("body", "invalid request body"))
				return
			}
			var filter dispatch.ClearFilter
			if req.Status != "" {
				status, err := store.ParseStatus(req.Status)
				if err != nil {
					writeError(w, logger, apperrors.Validation("status", err.Error()))
					return
				}
				filter.Status = &status
			}
			if req.Priority != "" {
				priority, err := store.ParsePriority(req.Priority)
				if err != nil {
					writeError(w, logger, apperrors.Validation("priority", err.Error()))
					return
				}
				filter.Priority = &priority
			}
			if req.OlderThan != "" {
				age, err := time.ParseDuration(req.OlderThan)
				if err != nil {
					writeError(w, logger, apperrors.Validation("older_than", err.Error()))
					return
				}
				filter.OlderThan = &age
			}
			res, err := svc.Clear(filter)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, logger, res)
		})

		r.Get("/queue/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, logger, struct {
				dispatch.Stats
				Events event.Statistics `json:"events"`
			}{svc.Stats(), events.Stats()})
		})

		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("format") {
			case "prometheus":
				w.Header().Set("Content-Type", "text/plain; version=0.0.4")
				w.Write([]byte(collector.SnapshotPrometheus()))
			case "json", "":
				data, err := collector.SnapshotJSON()
				if err != nil {
					writeError(w, logger, err)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			default:
				writeError(w, logger, apperrors.Validation("format", "format must be json or prometheus"))
			}
		})

		r.Post("/ratelimit/block", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ClientID string    `json:"client_id"`
				Endpoint string    `json:"endpoint"`
				Until    time.Time `json:"until"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, logger, apperrors.Validation("body", "invalid request body"))
				return
			}
			if req.ClientID == "" || req.Endpoint == "" {
				writeError(w, logger, apperrors.Validation("client_id", "client_id and endpoint are required"))
				return
			}
			limiter.Block(req.ClientID, req.Endpoint, req.Until)
			logger.Info("Client blocked", zap.String("client_id", req.ClientID), zap.String("endpoint", req.Endpoint))
			w.Write([]byte("OK"))
		})

		r.Post("/ratelimit/unblock", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ClientID string `json:"client_id"`
				Endpoint string `json:"endpoint"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, logger, apperrors.Validation("body", "invalid request body"))
				return
			}
			limiter.Unblock(req.ClientID, req.Endpoint)
			w.Write([]byte("OK"))
		})
	})
}

// healthResponse shapes the snapshot with string statuses for the wire.
func healthResponse(snap health.Snapshot) map[string]interface{} {
	components := make(map[string]map[string]string, len(snap.Components))
	for name, result := range snap.Components {
		c := map[string]string{"status": result.Status.String()}
		if result.Detail != "" {
			c["detail"] = result.Detail
		}
		components[name] = c
	}
	return map[string]interface{}{
		"status":          snap.Status.String(),
		"components":      components,
		"issues":          snap.Issues,
		"recommendations": snap.Recommendations,
		"checked_at":      snap.CheckedAt,
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, apperrors.Validation("id", "id must be an integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *log.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		logger.Error("Request failed", zap.Error(err))
	}
	if secs, ok := apperrors.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func clientFrom(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			clientID := ""
			if claims, ok := token.Claims.(jwt.MapClaims); ok {
				if sub, ok := claims["sub"].(string); ok {
					clientID = sub
				}
			}
			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
