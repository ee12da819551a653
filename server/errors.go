// errors.go - router-local sentinel errors and their public translation
package server

import "errors"

// ErrModelLoading is returned internally when an upstream reports its
// loading marker; retried per RetryConfig before surfacing to a client.
var ErrModelLoading = errors.New("server: model still loading")
