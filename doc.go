// Package conveyor provides a generics-based library for building typed,
// queue-connected processing pipelines in Go.
//
// # Overview
//
// A Pipeline[In, Out] is an ordered chain of stages whose adjacent types
// are checked at compile time. Three stage constructors cover every
// shape a stage can take:
//
//   - NewFilter / NewPureFilter: a fallible or pure In -> Out transform
//   - NewSource: produces Out values from an externally owned Queue
//   - NewConsumer: accepts In values and has no output of its own
//
// Pipelines compose with the free function Then, which stitches one
// pipeline's Out type to the next's In type:
//
//	p := conveyor.Then(parse, conveyor.Then(validate, persist))
//
// # Running a pipeline
//
// A pipeline that begins with a Source and ends with a Consumer can be
// started with Run, which spawns one or more worker goroutines per
// stage and connects them with bounded Queues:
//
//	result, err := conveyor.Run(ctx, pipeline)
//	if err != nil {
//	    // pipeline was not runnable
//	}
//	if err := result.Wait(ctx); err != nil {
//	    // the first error raised by any stage
//	}
//
// A pipeline whose every stage is a Filter can instead be run once,
// synchronously, with Apply — no queues, no goroutines:
//
//	out, err := pipeline.Apply(ctx, in)
//
// # Queue
//
// Queue[V] is the bounded, blocking, multi-producer/multi-consumer FIFO
// that connects stages. It is usable on its own as a Source's feed or a
// Consumer's sink, with both blocking and non-blocking operations.
//
// # Observability
//
// Queue, Pipeline, and Run all emit metrics, trace spans, and hook
// events as they operate, so pipeline behavior can be observed without
// instrumenting stage functions themselves.
package conveyor
