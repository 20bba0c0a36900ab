//go:build !windows

package platform

import "github.com/core-tools/hsu-appwatch/pkg/errors"

func newEventChannelSource(name string, opts LogSourceOptions) (SystemLogSource, error) {
	return nil, errors.NewUnavailableError("windows event log channels are not available on this platform", nil).
		WithContext("source", name)
}
