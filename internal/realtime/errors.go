package realtime

import "github.com/matheus3301/campus/internal/apperr"

// ErrClosed is returned by a feed that has been shut down.
var ErrClosed = apperr.New(apperr.Network, "realtime", "feed closed")
