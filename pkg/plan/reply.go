package plan

// Reply is the user-facing outcome of an interaction, assembled by the
// finalizer from the terminal step's result.
type Reply struct {
	Message     string            `json:"message"`
	Details     interface{}       `json:"details,omitempty"`
	Attachments []FileRef         `json:"attachments,omitempty"`
	Status      InteractionStatus `json:"status"`
}
