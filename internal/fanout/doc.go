// Package fanout runs one command across many pooled connections and merges
// what comes back into a single ordered event queue per session.
//
// A [Session] binds to one connection per requested host. Run sends the
// command to every host whose connection is not dead and immediately queues a
// session-level "dead" event listing the hosts that were skipped. Each host
// then reports "start", its output, its exit status and "done"; once every
// host that was sent the command is done the session queues a final "done"
// with no host.
//
// Sessions and their connections live on the reactor loop. The [Manager] is
// the thread-safe entry point used by the HTTP layer; each session's [Queue]
// is the only structure read directly from other goroutines.
package fanout
