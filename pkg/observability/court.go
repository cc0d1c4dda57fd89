package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Court semantic attributes. Agent ids are public keys and already
// public record, so they are safe to emit.
var (
	AttrCaseID     = attribute.Key("cawt.case.id")
	AttrCaseStage  = attribute.Key("cawt.case.stage")
	AttrCaseStatus = attribute.Key("cawt.case.status")

	AttrAgentID    = attribute.Key("cawt.agent.id")
	AttrActionKind = attribute.Key("cawt.action.kind")

	AttrSealJobID  = attribute.Key("cawt.seal.job_id")
	AttrSealKind   = attribute.Key("cawt.seal.kind")
	AttrSealStatus = attribute.Key("cawt.seal.status")

	AttrDrandRound = attribute.Key("cawt.drand.round")
	AttrPanelSize  = attribute.Key("cawt.jury.panel_size")

	AttrProposalID      = attribute.Key("cawt.agreement.proposal_id")
	AttrAgreementStatus = attribute.Key("cawt.agreement.status")
)

// CaseOperation builds attributes for hearing-engine work on a case.
func CaseOperation(caseID, stage, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrCaseStage.String(stage),
		AttrActionKind.String(action),
	}
}

// SignedAction builds attributes for a signed mutation by an agent.
func SignedAction(agentID, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrActionKind.String(action),
	}
}

// SealOperation builds attributes for seal-queue work.
func SealOperation(jobID, kind, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSealJobID.String(jobID),
		AttrSealKind.String(kind),
		AttrSealStatus.String(status),
	}
}

// JurySelection builds attributes for a drand-backed panel draw.
func JurySelection(caseID string, round uint64, panelSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrDrandRound.Int64(int64(round)),
		AttrPanelSize.Int(panelSize),
	}
}

// AgreementOperation builds attributes for agreement-protocol work.
func AgreementOperation(proposalID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposalID.String(proposalID),
		AttrAgreementStatus.String(status),
	}
}

// SpanFromContext returns the current span, or a no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent records an event on the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

// WrapHandler instruments an HTTP handler with a server span per request
// and the court's RED instruments. With telemetry off it still serves,
// recording nothing.
func (p *Provider) WrapHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		}

		ctx, span := p.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		attrs = append(attrs, semconv.HTTPResponseStatusCode(sw.status))
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
