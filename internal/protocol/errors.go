package protocol

// Error codes returned by the game server's HTTP surface.
const (
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrUnknownPlayer = "E_UNKNOWN_PLAYER"
	ErrForbidden     = "E_FORBIDDEN"
	ErrUnavailable   = "E_UNAVAILABLE"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:    {},
	ErrUnknownPlayer: {},
	ErrForbidden:     {},
	ErrUnavailable:   {},
	ErrInternal:      {},
}

// ErrorMsg is the body of every non-2xx response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
