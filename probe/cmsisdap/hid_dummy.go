// +build no_libudev

package cmsisdap

import (
	"context"

	"github.com/juju/errors"

	"github.com/mongoose-os/mdbg/transport"
)

func OpenHID(ctx context.Context, opts Options) (transport.Transport, error) {
	return nil, errors.Errorf("not supported in this build")
}
