package clients

// RelayResponse is what an HTTP relayer answers to a submission or status query.
type RelayResponse struct {
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	RelayStatusOK        = "ok"
	RelayStatusPending   = "pending"
	RelayStatusConfirmed = "confirmed"
	RelayStatusRejected  = "rejected"
)
