// Package stream carries terminal sessions over websockets.
//
// One connection serves one user. The client drives the session with
// create/input/resize/delete messages; the server answers with
// created/output/exit/error/deleted. Terminal bytes travel base64-encoded in
// the data field so the JSON framing stays valid for arbitrary output.
package stream

// Message types sent by clients.
const (
	TypeCreate = "create"
	TypeInput  = "input"
	TypeResize = "resize"
	TypeDelete = "delete"
)

// Message types sent by the server.
const (
	TypeCreated = "created"
	TypeOutput  = "output"
	TypeExit    = "exit"
	TypeError   = "error"
	TypeDeleted = "deleted"
)

// Message is the wire frame for both directions. Fields are populated per
// type; unused fields are omitted.
type Message struct {
	Type string `json:"type"`

	// Data holds base64-encoded terminal bytes for input and output.
	Data string `json:"data,omitempty"`

	// Terminal dimensions for create and resize.
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Create options.
	UserEmail     string `json:"userEmail,omitempty"`
	WorkspacePath string `json:"workspacePath,omitempty"`

	// Server-side fields.
	SessionID string `json:"sessionId,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Error     string `json:"error,omitempty"`
}
