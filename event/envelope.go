package event

// CompressedEnvelope wraps a compressed payload. Payload holds the
// base64 encoding of the compressed bytes (encoding/json does this for
// []byte fields).
type CompressedEnvelope struct {
	Compressed   bool   `json:"compressed"`
	Encoding     string `json:"encoding"`
	OriginalSize int    `json:"original_size"`
	Payload      []byte `json:"payload"`
}

// BatchEnvelope carries several events in one request.
type BatchEnvelope struct {
	Batch   bool    `json:"batch"`
	BatchID string  `json:"batchId"`
	Count   int     `json:"count"`
	Errors  []Event `json:"errors"`
}

// NewBatchEnvelope builds the wire wrapper for a flushed batch.
func NewBatchEnvelope(id string, events []Event) BatchEnvelope {
	return BatchEnvelope{
		Batch:   true,
		BatchID: id,
		Count:   len(events),
		Errors:  events,
	}
}
