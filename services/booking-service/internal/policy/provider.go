// Package policy decides how far ahead of a slot reminders are sent.
package policy

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultReminderOffset is used when no valid offset is configured.
const DefaultReminderOffset = 24 * time.Hour

type Provider interface {
	ReminderOffsets(ctx context.Context, serviceID string) ([]time.Duration, error)
}

type staticProvider struct {
	offsets   []time.Duration
	byService map[string][]time.Duration
}

// NewStaticProvider returns the same offsets for every service.
func NewStaticProvider(offsets []time.Duration) Provider {
	return NewServiceProvider(offsets, nil)
}

// NewServiceProvider lets individual services override the default offsets.
func NewServiceProvider(defaults []time.Duration, byService map[string][]time.Duration) Provider {
	if len(defaults) == 0 {
		defaults = []time.Duration{DefaultReminderOffset}
	}
	return &staticProvider{offsets: defaults, byService: byService}
}

func (p *staticProvider) ReminderOffsets(_ context.Context, serviceID string) ([]time.Duration, error) {
	if o, ok := p.byService[serviceID]; ok {
		return o, nil
	}
	return p.offsets, nil
}

// ParseOffsets reads a comma separated list of minutes, e.g. "1440,60".
// Invalid entries are logged and skipped; duplicates collapse. Offsets are
// returned largest first so reminders are created in chronological order.
func ParseOffsets(raw string, logger *slog.Logger) []time.Duration {
	offsets := parseMinutes(strings.Split(raw, ","), logger)
	if len(offsets) == 0 {
		return []time.Duration{DefaultReminderOffset}
	}
	return offsets
}

// ParseServiceOffsets reads per-service overrides such as
// "passport:2880|60,licence:1440". A service whose offsets are all invalid
// is left out so it falls back to the defaults.
func ParseServiceOffsets(raw string, logger *slog.Logger) map[string][]time.Duration {
	out := map[string][]time.Duration{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		serviceID, list, ok := strings.Cut(entry, ":")
		serviceID = strings.TrimSpace(serviceID)
		if !ok || serviceID == "" {
			logger.Warn("invalid service reminder offsets", "value", entry)
			continue
		}
		if offsets := parseMinutes(strings.Split(list, "|"), logger); len(offsets) > 0 {
			out[serviceID] = offsets
		}
	}
	return out
}

func parseMinutes(parts []string, logger *slog.Logger) []time.Duration {
	seen := map[time.Duration]bool{}
	var offsets []time.Duration
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mins, err := strconv.Atoi(part)
		if err != nil || mins <= 0 {
			logger.Warn("invalid reminder offset", "value", part)
			continue
		}
		d := time.Duration(mins) * time.Minute
		if seen[d] {
			continue
		}
		seen[d] = true
		offsets = append(offsets, d)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	return offsets
}
