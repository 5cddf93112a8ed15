// Package rpc implements remote procedure calls between two peers on top of
// a wtlp framing client.
//
// A Session correlates outgoing calls with their responses, dispatches
// inbound calls to a Registry under trust-level authorization and watches
// the connection for liveness. Calls are JSON envelopes:
//
//	{"version":"1.0.0","type":"call","id":"<uuid>","component":"Authentication",
//	 "method":"KeyExchange","params":[...],"response_expected":true}
//
// Responses and errors carry the id of the call they answer.
package rpc
