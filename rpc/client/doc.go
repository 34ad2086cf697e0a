// Package client implements a standalone client for applications built on the
// runtime. It speaks the same framed protocol as the TCP transport without
// running shards itself, which makes it suitable for tools like `drt ping`.
//
// The package focuses on:
//   - Several connections per endpoint, selected round robin
//   - Request/response correlation by request id
//   - Retries with exponential backoff, redialling broken connections
//
// Key Components:
//
//   - Config: endpoints, per-attempt timeout, retry count, connections per
//     endpoint, checksum and serializer.
//
//   - Client: Call sends a common.Message with a verb and decodes the response.
//     Error responses and responses of an unexpected type become errors. Echo
//     and Info are shortcuts for the echo applet's verbs.
//
// Usage Example:
//
//	c, err := client.New(client.Config{
//	  Endpoints:  []string{"tcp+drt://localhost:4000"},
//	  Timeout:    5 * time.Second,
//	  RetryCount: 3,
//	})
//	err = c.Connect(ctx)
//	resp, rtt, err := c.Echo(ctx, echo.VerbEcho, []byte("ping"))
//	defer c.Close()
//
// Thread Safety:
//
//	A Client can be used concurrently from multiple goroutines.
package client
