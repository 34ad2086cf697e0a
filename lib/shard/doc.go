// Package shard implements the shard-per-core execution model of the runtime.
//
// A Runtime owns N shards. Each shard is a single goroutine draining a
// lock-free MPSC task queue, which gives every shard a cooperative,
// single-threaded execution context: tasks posted to the same shard never run
// concurrently, tasks of different shards do.
//
// Key Components:
//
//   - Shard: one execution context. Post enqueues a task, Submit enqueues it
//     and waits for its result.
//
//   - Runtime: the fixed set of shards. InvokeOn targets one shard,
//     InvokeOnAll fans out to every shard and joins all of them (errgroup).
//
//   - Distributed[T]: a singleton replicated once per shard. Start builds one
//     instance on each shard, InvokeOn/InvokeOnAll address them, Stop releases
//     them and combines the errors of all shards.
//
//   - MPSC[T]: the unbounded lock-free queue backing each shard.
//
// Shard 0 is special only by convention: the application bootstrap uses it as
// the owner of process-wide shutdown.
package shard
