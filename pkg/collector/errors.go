package collector

import "github.com/friendsofgo/errors"

var errAlreadyRunning = errors.New("collection pass already running")

// IsAlreadyRunning reports whether err means a pass was in flight.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, errAlreadyRunning)
}
