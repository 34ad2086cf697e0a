// Package dispatcher implements the RPC dispatcher of a shard. Protocols are
// registered after they were started; from then on the dispatcher observes
// their channels and messages.
//
// Inbound requests are routed by verb to the registered MessageObserver, which
// runs as a task on the dispatcher's shard. Responses are correlated with
// outstanding Calls by request id. The message payload format is left to the
// applications built on top.
package dispatcher
