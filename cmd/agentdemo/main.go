// agentdemo runs an instrumented HTTP server that fans out to two upstream endpoints.
//
// Every inbound request opens an entry span, each upstream call an exit span, and
// each response callback a local span beneath its exit span. Finished segments are
// buffered and, when a collector address is configured, exported over OTLP.
//
// Usage:
//
//	# Serve on :5000 with an in-process upstream
//	agentdemo serve
//
//	# Use a configuration file and an external upstream
//	agentdemo serve --config agentz.yaml --upstream http://httpbin.org
//
//	# Show version information
//	agentdemo version
package main

func main() {
	Execute()
}
