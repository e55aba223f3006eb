package agentz

// Reporter receives finished segments for shipment to a backend.
// Report is called exactly once per segment, after every span in it has finished,
// and must not block the caller.
type Reporter interface {
	Report(segment Segment)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(segment Segment)

// Report calls f.
func (f ReporterFunc) Report(segment Segment) { f(segment) }
