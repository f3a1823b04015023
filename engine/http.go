package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/okulov-dev/traceflow/internal/observability"
	"github.com/okulov-dev/traceflow/protocol"
	"github.com/okulov-dev/traceflow/state"
)

// DefinitionAdmin is the operator-facing definition surface. Separate from
// DefinitionStore because the engine core never creates definitions.
type DefinitionAdmin interface {
	CreateDefinition(ctx context.Context, def state.Definition) (state.Definition, error)
	GetDefinition(ctx context.Context, id string) (state.Definition, error)
}

type startTraceRequest struct {
	DefinitionID string       `json:"definition_id"`
	Params       state.Params `json:"params,omitempty"`
}

type expandRequest struct {
	Children []ChildSpec `json:"children"`
}

type signalRequest struct {
	TraceID    string              `json:"trace_id,omitempty"`
	InstanceID string              `json:"instance_id,omitempty"`
	Signal     state.ControlSignal `json:"signal"`
}

// NewHTTPHandler wires the operator API, the worker completion callback, and
// the observability endpoints.
func NewHTTPHandler(service *Service, signals *SignalService, defs DefinitionAdmin, payloads PayloadStore, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("engine.http")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/v1/definitions", func(w http.ResponseWriter, r *http.Request) {
		var def state.Definition
		if err := decodeJSON(r, &def); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := defs.CreateDefinition(r.Context(), def)
		if err != nil {
			logger.Error("create definition failed", "event", "create_definition_failed", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("GET /api/v1/definitions/{definition_id}", func(w http.ResponseWriter, r *http.Request) {
		def, err := defs.GetDefinition(r.Context(), r.PathValue("definition_id"))
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	})

	mux.HandleFunc("POST /api/v1/traces", func(w http.ResponseWriter, r *http.Request) {
		var req startTraceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := service.StartTrace(r.Context(), req.DefinitionID, req.Params)
		if err != nil {
			switch {
			case errors.Is(err, state.ErrNotFound):
				writeError(w, http.StatusNotFound, err)
			case errors.Is(err, ErrDefinitionInactive):
				writeError(w, http.StatusConflict, err)
			default:
				logger.Error("start trace failed", "event", "start_trace_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, result)
	})

	mux.HandleFunc("GET /api/v1/traces/{trace_id}", func(w http.ResponseWriter, r *http.Request) {
		summary, err := service.TraceSummary(r.Context(), r.PathValue("trace_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("GET /api/v1/traces/{trace_id}/instances", func(w http.ResponseWriter, r *http.Request) {
		instances, err := service.ListTrace(r.Context(), r.PathValue("trace_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, instances)
	})

	mux.HandleFunc("GET /api/v1/traces/{trace_id}/signal", func(w http.ResponseWriter, r *http.Request) {
		signal, err := signals.CheckSignal(r.Context(), r.PathValue("trace_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]*state.ControlSignal{"signal": signal})
	})

	mux.HandleFunc("GET /api/v1/instances/{instance_id}/subtree", func(w http.ResponseWriter, r *http.Request) {
		instances, err := service.ListSubtree(r.Context(), r.PathValue("instance_id"))
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, instances)
	})

	mux.HandleFunc("POST /api/v1/instances/{instance_id}/expand", func(w http.ResponseWriter, r *http.Request) {
		var req expandRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		children, err := service.ExpandInstance(r.Context(), r.PathValue("instance_id"), req.Children)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			logger.Error("expand failed", "event", "expand_failed", "error", err)
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusCreated, children)
	})

	mux.HandleFunc("POST /api/v1/signals", func(w http.ResponseWriter, r *http.Request) {
		var req signalRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err := signals.SendSignal(r.Context(), req.TraceID, req.InstanceID, req.Signal)
		if err != nil {
			switch {
			case errors.Is(err, ErrUnknownSignal), errors.Is(err, ErrSignalTargetRequired):
				writeError(w, http.StatusBadRequest, err)
			case errors.Is(err, ErrInstanceTraceMismatch):
				writeError(w, http.StatusConflict, err)
			case errors.Is(err, state.ErrNotFound):
				writeError(w, http.StatusNotFound, err)
			default:
				logger.Error("signal failed", "event", "signal_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /api/v1/internal/complete", func(w http.ResponseWriter, r *http.Request) {
		var msg protocol.Complete
		if err := decodeJSON(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		switch msg.Status {
		case protocol.CompleteStatusSucceeded:
			outputRef := msg.OutputRef
			if outputRef == "" && len(msg.Output) > 0 && payloads != nil {
				inst, err := service.store.GetInstance(r.Context(), msg.InstanceID)
				if err != nil {
					if errors.Is(err, state.ErrNotFound) {
						writeError(w, http.StatusNotFound, err)
						return
					}
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				ref, err := payloads.PutOutput(r.Context(), inst.TraceID, inst.ID, msg.Output)
				if err != nil {
					logger.Error("output upload failed", "event", "output_upload_failed",
						"instance_id", msg.InstanceID, "error", err)
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				outputRef = ref
			}
			if err := service.OnTaskCompleted(r.Context(), msg.InstanceID, outputRef); err != nil {
				if errors.Is(err, state.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				logger.Error("complete failed", "event", "complete_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}

		case protocol.CompleteStatusFailed:
			if err := service.OnTaskFailed(r.Context(), msg.InstanceID, msg.Error); err != nil {
				if errors.Is(err, state.ErrNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				logger.Error("fail failed", "event", "fail_failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}

		default:
			writeError(w, http.StatusBadRequest, errors.New("unknown completion status"))
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
