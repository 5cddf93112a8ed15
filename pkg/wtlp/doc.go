// Package wtlp implements the text transmission protocol that carries RPC
// payloads over a plain text message transport.
//
// # Frame Format
//
// Every transport message is one frame:
//
//	key1:value1;key2:value2;...;<base64-payload>
//
// Metadata keys are case-insensitive and unique within a frame:
//   - message_id: sender-local monotonic message number
//   - result: delivery result reported by the receiver
//   - encryption: payload cipher, only "aes" is defined
//   - gzip: compressed payload length in bytes
//   - fragment_index / fragment_count: position of this fragment
//
// A frame holding exactly message_id and result with no payload is a delivery
// acknowledgment. Every other frame is acknowledged by the receiver once its
// payload has been fully reassembled and decoded.
//
// # Send Pipeline
//
// Send compresses, then encrypts, then base64 encodes the payload and splits
// the text into near-equal fragments when it exceeds the fragment threshold.
// The receiver reverses the steps: reassemble, base64 decode, decrypt, inflate.
//
// Send blocks until the receiver acknowledges the message or the ack timeout
// (AckTimeout × fragment count) elapses.
package wtlp
