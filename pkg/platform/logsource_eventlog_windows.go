//go:build windows

package platform

import (
	"context"
	"os/exec"
	"strconv"

	"github.com/core-tools/hsu-appwatch/pkg/errors"
)

// eventChannelSource queries an event log channel through wevtutil
type eventChannelSource struct {
	channel string
	opts    LogSourceOptions
}

func newEventChannelSource(name string, opts LogSourceOptions) (SystemLogSource, error) {
	if _, err := exec.LookPath("wevtutil"); err != nil {
		return nil, errors.NewUnavailableError("wevtutil not found", err).WithContext("source", name)
	}
	return &eventChannelSource{channel: name, opts: opts}, nil
}

func (s *eventChannelSource) Name() string {
	return s.channel
}

func (s *eventChannelSource) Notify() <-chan struct{} {
	return nil
}

func (s *eventChannelSource) query(ctx context.Context, args ...string) ([]byte, error) {
	base := []string{"qe", s.channel, "/f:RenderedXml", "/e:Events"}
	out, err := exec.CommandContext(ctx, "wevtutil", append(base, args...)...).Output()
	if err != nil {
		return nil, errors.NewUnavailableError("wevtutil query failed", err).WithContext("source", s.channel)
	}
	return out, nil
}

func (s *eventChannelSource) Read(ctx context.Context, cursor string) ([]LogEntry, string, error) {
	if cursor == "" {
		// Newest record only, to anchor the cursor
		out, err := s.query(ctx, "/c:1", "/rd:true")
		if err != nil {
			return nil, "", err
		}
		_, maxID, err := parseEventsXML(s.channel, out)
		if err != nil {
			return nil, "", errors.NewInternalError("failed to parse event XML", err).WithContext("source", s.channel)
		}
		return nil, strconv.FormatUint(maxID, 10), nil
	}

	last, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		last = 0
	}

	out, err := s.query(ctx, "/q:"+eventLogQuery(s.opts.Levels, last), "/c:"+strconv.Itoa(s.opts.MaxEntries))
	if err != nil {
		return nil, cursor, err
	}
	entries, maxID, err := parseEventsXML(s.channel, out)
	if err != nil {
		return nil, cursor, errors.NewInternalError("failed to parse event XML", err).WithContext("source", s.channel)
	}
	if maxID > last {
		cursor = strconv.FormatUint(maxID, 10)
	}
	return entries, cursor, nil
}

func (s *eventChannelSource) Close() error {
	return nil
}
