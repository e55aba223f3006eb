package agentz

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
)

// CarrierHeader is the header that carries trace identity between processes.
const CarrierHeader = "sw8"

const carrierVersion = "1"

// carrierKeys is the versioned key set every extracted carrier emits, in order.
var carrierKeys = []string{CarrierHeader}

// CarrierItem is one header produced by a carrier.
type CarrierItem struct {
	Key   string
	Value string
}

// ContextCarrier is the propagation token that lets a receiving process resume a trace.
// The zero value is a valid "start a new trace" signal.
type ContextCarrier struct {
	TraceID         string
	SegmentID       string
	Service         string
	ServiceInstance string
	Endpoint        string
	ClientAddress   string
	SpanID          int32
}

// IsValid reports whether every identity field is populated.
func (c *ContextCarrier) IsValid() bool {
	return c != nil &&
		c.TraceID != "" &&
		c.SegmentID != "" &&
		c.SpanID >= 0 &&
		c.Service != "" &&
		c.ServiceInstance != "" &&
		c.Endpoint != "" &&
		c.ClientAddress != ""
}

// Value encodes the carrier for the sw8 header. Invalid carriers encode as "".
func (c *ContextCarrier) Value() string {
	if !c.IsValid() {
		return ""
	}
	return strings.Join([]string{
		carrierVersion,
		encode(c.TraceID),
		encode(c.SegmentID),
		strconv.FormatInt(int64(c.SpanID), 10),
		encode(c.Service),
		encode(c.ServiceInstance),
		encode(c.Endpoint),
		encode(c.ClientAddress),
	}, "-")
}

// SetValue decodes an sw8 header value. The carrier is only updated when every part
// parses, so a malformed header never leaves a partially adopted identity.
func (c *ContextCarrier) SetValue(value string) bool {
	parts := strings.Split(value, "-")
	if len(parts) != 8 || parts[0] != carrierVersion {
		return false
	}
	spanID, err := strconv.ParseInt(parts[3], 10, 32)
	if err != nil || spanID < 0 {
		return false
	}

	decoded := make([]string, 0, 6)
	for _, i := range []int{1, 2, 4, 5, 6, 7} {
		v, ok := decode(parts[i])
		if !ok {
			return false
		}
		decoded = append(decoded, v)
	}

	next := ContextCarrier{
		TraceID:         decoded[0],
		SegmentID:       decoded[1],
		SpanID:          int32(spanID),
		Service:         decoded[2],
		ServiceInstance: decoded[3],
		Endpoint:        decoded[4],
		ClientAddress:   decoded[5],
	}
	if !next.IsValid() {
		return false
	}
	*c = next
	return true
}

// Items returns every carrier header in order. All keys are present; an invalid
// carrier yields empty values.
func (c *ContextCarrier) Items() []CarrierItem {
	items := make([]CarrierItem, 0, len(carrierKeys))
	for _, key := range carrierKeys {
		switch key {
		case CarrierHeader:
			items = append(items, CarrierItem{Key: key, Value: c.Value()})
		}
	}
	return items
}

// Inject sets every carrier header on h.
func (c *ContextCarrier) Inject(h http.Header) {
	for _, item := range c.Items() {
		h.Set(item.Key, item.Value)
	}
}

func (c *ContextCarrier) ref() SegmentRef {
	return SegmentRef{
		TraceID:               c.TraceID,
		ParentSegmentID:       c.SegmentID,
		ParentSpanID:          c.SpanID,
		ParentService:         c.Service,
		ParentServiceInstance: c.ServiceInstance,
		ParentEndpoint:        c.Endpoint,
		NetworkAddress:        c.ClientAddress,
	}
}

// From builds a carrier from a case-sensitive header map. Unrecognized keys are
// ignored; a map without recognized keys yields an empty carrier.
func From(headers map[string]string) *ContextCarrier {
	c := &ContextCarrier{SpanID: -1}
	for _, key := range carrierKeys {
		value, ok := headers[key]
		if !ok {
			continue
		}
		switch key {
		case CarrierHeader:
			c.SetValue(value)
		}
	}
	return c
}

// FromHeader builds a carrier from HTTP headers, whose keys are case-insensitive.
func FromHeader(h http.Header) *ContextCarrier {
	headers := make(map[string]string, len(carrierKeys))
	for _, key := range carrierKeys {
		if v := h.Get(key); v != "" {
			headers[key] = v
		}
	}
	return From(headers)
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decode(s string) (string, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}
