// Package hostbridge implements the host-side coherency pipeline of spec.md
// §4.H/§4.I/§4.J: the inclusive CPU-side cache, the home agent that bridges
// it to CXL.mem, and the coherency bridge that bridges it to CXL.cache.
//
// The Python original drives these as coroutines sharing one event loop and
// communicating over asyncio.Queue pairs; spec.md §9 redesigns the home
// agent specifically into a single goroutine stepping an explicit state
// struct rather than one coroutine per in-flight flow. The queue-pair shape
// survives as mailbox.Mailbox[T] pairs, matching fabric.Processor's
// existing mailbox-per-sublayer pattern.
package hostbridge
