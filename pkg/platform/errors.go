package platform

import "github.com/burnengine/burn/pkg/pipe"

var errPeerUnsupported = pipe.ErrPeerLookupUnsupported
