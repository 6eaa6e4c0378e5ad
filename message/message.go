// Package message defines the envelope exchanged between callers and callees.
//
// An Envelope is serialized by the codec layer and carried as the body of a protocol
// frame. The payload inside it is the serialized request or reply of the called method.
package message

// Envelope carries a single call or its result.
//
//   - On request:  Method is set, Payload holds the serialized arguments.
//   - On response: Payload holds the serialized reply, Error is non-empty if the call failed.
type Envelope struct {
	// Method is "Service.Method", e.g. "Store.GetProducts".
	Method  string `json:"method" msgpack:"method"`
	Error   string `json:"error,omitempty" msgpack:"error,omitempty"`
	Payload []byte `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Failed reports whether the envelope carries a remote error.
func (e *Envelope) Failed() bool {
	return e.Error != ""
}
