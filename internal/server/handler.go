package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"chapps/internal/actions"
	"chapps/internal/logging"
	"chapps/internal/metrics"
	"chapps/internal/policy"
)

// Engine is one policy decision procedure. A Handler cascades requests
// through its engines in order.
type Engine interface {
	Name() string
	Approve(ctx context.Context, req *policy.Request) (policy.Outcome, error)
	// NullSenderOK reports whether a null sender passes this engine.
	NullSenderOK() bool
	// Accept and Reject are the engine's configured directives, used
	// when the dispatcher decides on the engine's behalf.
	Accept() string
	Reject() string
}

// Handler runs the request/response loop of one policy service. It
// reads frames, cascades each parsed request through its engines, and
// writes back a single action directive.
type Handler struct {
	engines           []Engine
	noUserKeyResponse string
	collector         metrics.Collector
}

// NewHandler builds a handler cascading through the given engines in
// order.
func NewHandler(noUserKeyResponse string, collector metrics.Collector, engines ...Engine) *Handler {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Handler{
		engines:           engines,
		noUserKeyResponse: noUserKeyResponse,
		collector:         collector,
	}
}

// Handle implements ConnectionHandler. It returns when the MTA hangs
// up, the connection goes idle, or a frame is malformed.
func (h *Handler) Handle(ctx context.Context, conn *Connection) {
	logger := logging.FromContext(ctx)
	h.collector.ConnectionOpened()
	defer h.collector.ConnectionClosed()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF) && len(frame) == 0:
				logger.Debug("MTA said goodbye")
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug("read timed out")
			case conn.IsClosed():
			default:
				logger.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}

		req, err := policy.ParseRequest(frame)
		if err != nil {
			h.collector.MalformedRequest()
			logger.Warn("malformed request frame", slog.String("error", err.Error()))
			return
		}

		directive := h.dispatch(ctx, logger, req)
		if err := conn.WriteResponse(directive); err != nil {
			logger.Error("sending response",
				slog.String("directive", directive),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// dispatch cascades the request through the engines. The first denial
// answers the request; if every engine approves, the last directive
// that is not a pass-through answers it, defaulting to DUNNO.
func (h *Handler) dispatch(ctx context.Context, logger *slog.Logger, req *policy.Request) string {
	response := actions.Dunno()
	for _, eng := range h.engines {
		start := time.Now()
		out, err := eng.Approve(ctx, req)
		h.collector.RequestDuration(eng.Name(), time.Since(start).Seconds())

		decision := ""
		if err != nil {
			switch {
			case errors.Is(err, policy.ErrNullSender):
				if eng.NullSenderOK() {
					out = policy.Outcome{Verdict: policy.Accept, Directive: eng.Accept(), Source: eng.Name()}
				} else {
					out = policy.Outcome{Verdict: policy.Deny, Directive: eng.Reject(), Source: eng.Name()}
				}
			case errors.Is(err, policy.ErrAuthenticationFailure):
				out = policy.Outcome{Verdict: policy.Deny, Directive: h.noUserKeyResponse, Source: eng.Name()}
			default:
				logger.Error("policy evaluation",
					slog.String("policy", eng.Name()),
					slog.String("error", err.Error()),
				)
				decision = "error"
				out = policy.Outcome{Verdict: policy.Deny, Directive: eng.Reject(), Source: eng.Name()}
			}
		}
		if decision == "" {
			decision = out.Verdict.String()
		}
		h.collector.RequestProcessed(eng.Name(), decision)
		logger.Info("policy decision",
			slog.String("policy", eng.Name()),
			slog.String("decision", decision),
			slog.String("request", req.String()),
		)

		if !out.Approved() {
			return out.Directive
		}
		if out.Verdict == policy.Accept {
			response = out.Directive
		}
	}
	return response
}
