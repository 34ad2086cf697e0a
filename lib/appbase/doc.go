// Package appbase is the bootstrap of applications built on the runtime. An App
// drives the process through its lifecycle exactly once:
//
//	Unconfigured -> Configuring -> Constructing -> Starting -> Running
//	             -> GracefulStopping -> HardStopping -> Stopped
//
// Every phase from construction on is a fan-out over all shards that completes
// before the next one begins:
//
//  1. Configure: validate options, apply the process wide log levels once.
//  2. Register exit hooks on shard 0: one per subsystem plus one aggregate for
//     the hard stoppers and one for the graceful stoppers.
//  3. Construct: config, metrics, network stack, TCP, RDMA, auto-RDMA and
//     dispatcher on every shard, then all user constructors concurrently.
//  4. Start: per shard the network stack, then each protocol followed by its
//     registration with the dispatcher, then the dispatcher; then all user
//     starters concurrently.
//
// On shutdown the exit hooks run in reverse registration order. Stoppers that
// fail or panic are logged and never keep the remaining hooks from running.
// A failed startup runs the hooks registered so far and returns exit code 1.
//
// Usage Example:
//
//	app := appbase.NewApp(conf)
//	echoApplet, err := appbase.AddApplet(app, "echo", echo.NewApplet(app))
//	...
//	code, err := app.Start(ctx)
package appbase
