// Package otlp ships finished segments to an OpenTelemetry collector over OTLP/gRPC.
//
// Segments are encoded one span per agentz span. Trace ids map to the 16-byte OTLP
// trace id and span ids to 8 bytes: the first four bytes of the segment id followed
// by the 32-bit span id, so ids stay unique across the segments of one trace.
// Entry spans continuing a remote segment are parented to the remote exit span and
// carry a link per ref.
package otlp

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
	"github.com/zoobzio/agentz"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// ScopeName identifies agentz as the instrumentation scope of exported spans.
const ScopeName = "github.com/zoobzio/agentz"

// Attribute keys added next to the span's own tags.
const (
	AttrPeer      = "net.peer.name"
	AttrComponent = "agentz.component"
	AttrLayer     = "agentz.layer"
	AttrOrphaned  = "agentz.orphaned"
	AttrSuspect   = "agentz.segment.suspect"
	AttrSegmentID = "agentz.segment.id"
)

type resourceKey struct {
	service  string
	instance string
}

// Encode converts finished segments into one export request, grouping spans by service instance.
func Encode(segments []agentz.Segment) *coltracepb.ExportTraceServiceRequest {
	req := &coltracepb.ExportTraceServiceRequest{}
	index := make(map[resourceKey]*tracepb.ScopeSpans)

	for i := range segments {
		seg := &segments[i]
		key := resourceKey{service: seg.Service, instance: seg.ServiceInstance}
		scope, ok := index[key]
		if !ok {
			scope = &tracepb.ScopeSpans{Scope: &commonpb.InstrumentationScope{Name: ScopeName}}
			index[key] = scope
			req.ResourceSpans = append(req.ResourceSpans, &tracepb.ResourceSpans{
				Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
					stringAttr("service.name", seg.Service),
					stringAttr("service.instance.id", seg.ServiceInstance),
				}},
				ScopeSpans: []*tracepb.ScopeSpans{scope},
			})
		}
		scope.Spans = append(scope.Spans, EncodeSegment(seg)...)
	}
	return req
}

// EncodeSegment converts the spans of a single segment.
func EncodeSegment(seg *agentz.Segment) []*tracepb.Span {
	traceID := TraceID(seg.TraceID)
	out := make([]*tracepb.Span, 0, len(seg.Spans))

	for i := range seg.Spans {
		s := &seg.Spans[i]
		span := &tracepb.Span{
			TraceId:           traceID,
			SpanId:            SpanID(seg.SegmentID, s.SpanID),
			Name:              s.Operation,
			Kind:              spanKind(s.Kind),
			StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
			EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
			Attributes:        attributes(seg, s),
			Status:            spanStatus(s),
		}
		if s.ParentSpanID >= 0 {
			span.ParentSpanId = SpanID(seg.SegmentID, s.ParentSpanID)
		}

		for j, ref := range s.Refs {
			remote := SpanID(ref.ParentSegmentID, ref.ParentSpanID)
			if j == 0 && s.ParentSpanID < 0 {
				span.ParentSpanId = remote
			}
			span.Links = append(span.Links, &tracepb.Span_Link{
				TraceId: TraceID(ref.TraceID),
				SpanId:  remote,
				Attributes: []*commonpb.KeyValue{
					stringAttr("parent.service", ref.ParentService),
					stringAttr("parent.service.instance", ref.ParentServiceInstance),
					stringAttr("parent.endpoint", ref.ParentEndpoint),
					stringAttr("network.address", ref.NetworkAddress),
				},
			})
		}
		out = append(out, span)
	}
	return out
}

// TraceID maps an agentz id to 16 bytes. Ids that are not 32 hex characters are
// hashed into a name-based UUID so foreign ids still map deterministically.
func TraceID(id string) []byte {
	if b, err := hex.DecodeString(id); err == nil && len(b) == 16 {
		return b
	}
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	return u[:]
}

// SpanID combines the segment prefix and span id into 8 bytes.
func SpanID(segmentID string, spanID int32) []byte {
	out := make([]byte, 8)
	copy(out[:4], TraceID(segmentID)[:4])
	binary.BigEndian.PutUint32(out[4:], uint32(spanID))
	return out
}

func spanKind(kind agentz.SpanKind) tracepb.Span_SpanKind {
	switch kind {
	case agentz.EntrySpan:
		return tracepb.Span_SPAN_KIND_SERVER
	case agentz.ExitSpan:
		return tracepb.Span_SPAN_KIND_CLIENT
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}

func spanStatus(s *agentz.Span) *tracepb.Status {
	if !s.IsError {
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	}
	msg := s.StatusMessage
	if msg == "" && s.StatusCode != 0 {
		msg = strconv.Itoa(s.StatusCode)
	}
	return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: msg}
}

func attributes(seg *agentz.Segment, s *agentz.Span) []*commonpb.KeyValue {
	attrs := make([]*commonpb.KeyValue, 0, len(s.Tags)+6)
	for _, tag := range s.Tags {
		attrs = append(attrs, stringAttr(string(tag.Key), tag.Value))
	}
	attrs = append(attrs,
		stringAttr(AttrSegmentID, seg.SegmentID),
		intAttr(AttrComponent, int64(s.Component)),
		stringAttr(AttrLayer, s.Layer.String()),
	)
	if s.Peer != "" {
		attrs = append(attrs, stringAttr(AttrPeer, s.Peer))
	}
	if s.Orphaned {
		attrs = append(attrs, boolAttr(AttrOrphaned, true))
	}
	if seg.Suspect {
		attrs = append(attrs, boolAttr(AttrSuspect, true))
	}
	return attrs
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{
		Value: &commonpb.AnyValue_StringValue{StringValue: value},
	}}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{
		Value: &commonpb.AnyValue_IntValue{IntValue: value},
	}}
}

func boolAttr(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{
		Value: &commonpb.AnyValue_BoolValue{BoolValue: value},
	}}
}
