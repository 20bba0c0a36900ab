//go:build !linux || !cgo

package platform

import "github.com/core-tools/hsu-appwatch/pkg/errors"

func newJournalSource(name string, opts LogSourceOptions) (SystemLogSource, error) {
	return nil, errors.NewUnavailableError("systemd journal is not supported by this build", nil).WithContext("source", name)
}
