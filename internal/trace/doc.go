// Package trace records structured events from shmcall execution contexts.
//
// The caller and callee schedulers, their service loops and the doorbell
// receivers all emit into one Tracer, so a single trace follows a call from
// spawn through doorbell and reply to completion.
//
// Sinks are a StreamTracer (written as events happen), a RingTracer (the
// last N events, dumped at exit) or both behind a Fanout. A Level admits
// scopes up to a ceiling:
//
//	error   faults only
//	phase   context and loop spans
//	detail  plus task spawn, wake, completion
//	debug   plus every message and doorbell
//
// Faults recorded with Error pass every level except off.
//
// Spans nest through the context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	ctx, span := trace.Start(ctx, trace.ScopeContext, "caller")
//	defer span.End("")
package trace
