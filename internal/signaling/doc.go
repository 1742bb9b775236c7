// Package signaling contains the WebSocket surface that relays WebRTC
// negotiation messages between room members.
//
// Offers, answers and ICE candidates are opaque payloads; the relay stamps
// the sender and forwards them without inspection.
package signaling
