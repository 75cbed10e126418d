package httpd

import "context"

// HTTPd is the interface for dhcp4d to provide the status HTTP daemon.
type HTTPd interface {
	Serve(ctx context.Context) error
}
