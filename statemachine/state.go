package statemachine

import "order-payment/models"

type Phase int

const (
	Idle Phase = iota
	Loading
	Loaded
	FetchFailed
	PayPending
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case FetchFailed:
		return "fetch_failed"
	case PayPending:
		return "pay_pending"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PayOutcome is the result of the last payment attempt while Loaded.
// PayReset clears it.
type PayOutcome int

const (
	PayNone PayOutcome = iota
	PaySucceeded
	PayFailed
)

func (o PayOutcome) String() string {
	switch o {
	case PaySucceeded:
		return "succeeded"
	case PayFailed:
		return "failed"
	default:
		return "none"
	}
}

func (o PayOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a dismissible message for the presentation layer.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// ViewState is everything the order view renders.
type ViewState struct {
	Phase   Phase         `json:"phase"`
	Order   *models.Order `json:"order,omitempty"`
	Error   string        `json:"error,omitempty"`
	Outcome PayOutcome    `json:"payOutcome"`
}
