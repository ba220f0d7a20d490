package exchange

import "errors"

// Error kinds from the core's taxonomy. None of these abort the process;
// they surface as failed returns paired with a logged message.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRefreshFailed    = errors.New("token refresh failed")
	ErrTransportFailure = errors.New("transport failure")
	ErrVenueError       = errors.New("venue error")
	ErrProtocolError    = errors.New("protocol error")
	ErrInternal         = errors.New("internal error")
)
