// Package wire defines the three message shapes exchanged over a channel.
//
//	Request:   {command, payload, token}
//	Response:  {token, payload: {status: true, data} | {status: false, message}}
//	Broadcast: {command, payload}
//
// A message carrying a command is a request when it also carries a token and
// a broadcast otherwise. A message without a command but with a token is a
// response. Anything else is invalid.
//
// Messages are plain Go values so in-process hosts can pass them directly.
// Hosts that serialize use the JSON encoding implemented here; decoding
// classifies the raw bytes first so response payloads come back as Reply.
package wire
