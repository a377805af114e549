package health

type CheckInput struct{}

type CheckOutput struct {
	Body CheckResponse
}

// CheckResponse is returned while the service and its storage answer.
// Failures are reported as a 503 problem document.
type CheckResponse struct {
	Status  string `json:"status" example:"OK" doc:"Service status"`
	Storage string `json:"storage" example:"OK" doc:"Record storage status"`
}
