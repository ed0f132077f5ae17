// Package stampede coordinates in-flight upstream fetches so that a burst
// of concurrent requests for one missing key costs exactly one upstream
// call.
package stampede

import "golang.org/x/sync/singleflight"

// Guard shares one in-flight fetch per key. The result, success or
// failure, is broadcast to every caller that joined while the fetch was
// in flight, and the registration is dropped once it completes, so a
// failed fetch is never sticky.
type Guard struct {
	group singleflight.Group
}

func New() *Guard {
	return &Guard{}
}

// Do runs fn if no fetch for key is in flight, otherwise blocks on the
// existing one. shared reports whether the result was produced by another
// caller's fetch.
func (g *Guard) Do(key string, fn func() ([]byte, error)) (val []byte, shared bool, err error) {
	v, err, shared := g.group.Do(key, func() (any, error) {
		b, err := fn()
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return nil, shared, err
	}
	b, _ := v.([]byte)
	return b, shared, nil
}

// Forget drops any in-flight registration for key so the next caller
// starts a fresh fetch. Used by invalidation to avoid serving a result
// computed against pre-invalidation state.
func (g *Guard) Forget(key string) {
	g.group.Forget(key)
}
