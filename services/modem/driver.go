// services/modem/driver.go
package modem

import "context"

// Request is one HTTP exchange carried out by the modem's own stack.
type Request struct {
	Method      string // default GET
	URL         string
	ContentType string
	Body        []byte
}

// Response is what the modem reports back. Status is the HTTP status code.
type Response struct {
	Status  int
	Content []byte
}

// Driver is the cellular modem. Every call assumes the caller holds the
// serial port in modem mode.
type Driver interface {
	CheckRegistration(ctx context.Context) error
	Initialize(ctx context.Context) error

	Connect(ctx context.Context, apn string) error
	Disconnect(ctx context.Context) error
	HTTP(ctx context.Context, req Request) (Response, error)
	// Download fetches url into the modem-side file dst.
	Download(ctx context.Context, url, dst string) (Response, error)

	SendSMS(ctx context.Context, number, text string) error
	// ReadSMS returns the message stored in slot. An empty slot is an error.
	ReadSMS(ctx context.Context, slot int) (number, text string, err error)
	DeleteSMS(ctx context.Context, slot int) error

	SignalQuality(ctx context.Context) (int, error)
	// CellInfo returns serving cell details as reported by the modem.
	CellInfo(ctx context.Context) (map[string]any, error)
	USSD(ctx context.Context, code string) (string, error)
}
