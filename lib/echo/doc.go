// Package echo is a minimal applet serving two verbs on every shard: VerbEcho
// returns the request value unchanged and VerbInfo describes the answering
// shard with its service endpoints. Request and response bodies are
// common.Message values encoded with the configured serializer.
//
// Once the graceful stop began every request is answered with ErrDraining;
// the hard stop removes the handlers from the dispatcher.
package echo
