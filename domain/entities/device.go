package entities

// Device is a registered client device allowed to open voice sessions.
type Device struct {
	ID           string `json:"id"`
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
}
