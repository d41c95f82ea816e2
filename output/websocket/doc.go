// Package websocket serves a JSON datapoint feed over WebSocket.
//
// Every connected client is a subscriber of the broker's distribution
// engine with its own bounded drop-oldest queue, so a stalled browser
// never slows the TCP clients. Clients choose what they receive by sending
// control envelopes:
//
//	{"type":"subscribe","id":"1","pattern":"ess/*","every":1}
//	{"type":"unsubscribe","id":"2","pattern":"ess/*"}
//	{"type":"subscribe_group","id":"3","group":4}
//	{"type":"get","id":"4","name":"ess/state"}
//
// Each control envelope is answered with an "ack" or "error" envelope
// carrying the same id. Datapoints arrive as "data" envelopes whose payload
// is the JSON form of the datapoint. Patterns may also be given up front
// as repeated "match" query parameters on the upgrade request.
package websocket
