package types

// ------------------------
// Serial
// ------------------------

type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "none"
	}
}

func (p Parity) MarshalJSON() ([]byte, error) { return []byte(`"` + p.String() + `"`), nil }

// SerialMode names a logical configuration of the shared UART.
type SerialMode string

const (
	SerialNone        SerialMode = ""
	SerialModem       SerialMode = "sim-modem"
	SerialRegisterBus SerialMode = "register-bus"
)

// SerialConfig is the wiring applied to the shared UART for one mode.
type SerialConfig struct {
	Mode     SerialMode `json:"mode"`
	Baud     uint32     `json:"baud"`
	TX       int        `json:"tx"`
	RX       int        `json:"rx"`
	DataBits uint8      `json:"data_bits,omitempty"`
	StopBits uint8      `json:"stop_bits,omitempty"`
	Parity   Parity     `json:"parity"`
}

// SPIMode names the clocking used by one SPI device.
type SPIMode struct {
	Name      string `json:"name"`
	Frequency uint32 `json:"hz"`
	Mode      uint8  `json:"mode"` // CPOL<<1 | CPHA
}
