// Package message defines the RPC envelope exchanged between client and server.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol
// frame for transmission over TCP.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod and Payload are set; Metadata carries request
//     headers such as "Version-<domain>".
//   - On response: Kind classifies the outcome (see package result), Error holds
//     the detail of a non-OK outcome and Metadata carries response headers.
type RPCMessage struct {
	ServiceMethod string            `json:"serviceMethod" msgpack:"m"` // Format: "ServiceName.MethodName", e.g., "Sheets.GetValues"
	Kind          uint8             `json:"kind" msgpack:"k"`
	Error         string            `json:"error,omitempty" msgpack:"e,omitempty"`
	Payload       []byte            `json:"payload" msgpack:"p"` // JSON-encoded args (request) or reply (response)
	Metadata      map[string]string `json:"metadata,omitempty" msgpack:"md,omitempty"`
}

// Header returns the metadata value for key, or "" when absent.
func (m *RPCMessage) Header(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}
