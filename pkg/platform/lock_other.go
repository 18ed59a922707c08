//go:build !unix

package platform

import (
	"context"
	"errors"
)

func (n *Native) AcquireMachineLock(ctx context.Context, name string) (Lock, error) {
	return nil, errors.New("machine lock is not supported on this platform")
}
