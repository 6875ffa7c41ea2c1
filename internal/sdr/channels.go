package sdr

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelSelection is an ordered, duplicate-free set of channel indices that
// are valid on both the receive and transmit side of a device. It is
// immutable once built.
type ChannelSelection struct {
	indices []int
}

// NewChannelSelection validates indices against the device channel counts.
func NewChannelSelection(indices []int, rxCount, txCount int) (ChannelSelection, error) {
	if len(indices) == 0 {
		return ChannelSelection{}, NewConfigError("channels", "at least one channel is required")
	}
	limit := rxCount
	if txCount < limit {
		limit = txCount
	}
	seen := make(map[int]struct{}, len(indices))
	out := make([]int, 0, len(indices))
	for _, ch := range indices {
		if ch < 0 || ch >= limit {
			return ChannelSelection{}, NewConfigError("channels",
				"invalid channel %d (device has %d rx and %d tx channels)", ch, rxCount, txCount)
		}
		if _, dup := seen[ch]; dup {
			return ChannelSelection{}, NewConfigError("channels", "channel %d listed more than once", ch)
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return ChannelSelection{indices: out}, nil
}

// ParseChannelList splits a comma and quote delimited list such as
// `0,1` or `"0","1"` into indices. Empty tokens produced by quoting are
// skipped.
func ParseChannelList(list string) ([]int, error) {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == '"' || r == '\''
	})
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		ch, err := strconv.Atoi(f)
		if err != nil {
			return nil, NewConfigError("channels", "%q is not a channel index", f)
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, NewConfigError("channels", "empty channel list %q", list)
	}
	return out, nil
}

// SelectChannels parses list and validates it against dev.
func SelectChannels(dev Device, list string) (ChannelSelection, error) {
	indices, err := ParseChannelList(list)
	if err != nil {
		return ChannelSelection{}, err
	}
	rx, err := dev.ChannelCount(RX)
	if err != nil {
		return ChannelSelection{}, fmt.Errorf("query rx channel count: %w", err)
	}
	tx, err := dev.ChannelCount(TX)
	if err != nil {
		return ChannelSelection{}, fmt.Errorf("query tx channel count: %w", err)
	}
	return NewChannelSelection(indices, rx, tx)
}

// Indices returns a copy of the selected channel indices.
func (c ChannelSelection) Indices() []int {
	out := make([]int, len(c.indices))
	copy(out, c.indices)
	return out
}

// Len returns the number of selected channels.
func (c ChannelSelection) Len() int { return len(c.indices) }

// Empty reports whether the selection was never built.
func (c ChannelSelection) Empty() bool { return len(c.indices) == 0 }

func (c ChannelSelection) String() string {
	parts := make([]string, len(c.indices))
	for i, ch := range c.indices {
		parts[i] = strconv.Itoa(ch)
	}
	return strings.Join(parts, ",")
}
