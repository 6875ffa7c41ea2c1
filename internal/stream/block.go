package stream

import "github.com/rjboer/ppsrx/internal/sdr"

// SampleBlock is the receive buffer, allocated once and reused for every
// receive call. When the transport multiplexes channels into one physical
// stream every channel slot points at the same memory.
type SampleBlock struct {
	buffs    [][]complex64
	capacity int
	shared   bool
}

// NewSampleBlock allocates capacity samples per channel, or one shared
// buffer when shared is set.
func NewSampleBlock(capacity, channels int, shared bool) *SampleBlock {
	if capacity <= 0 {
		capacity = 1
	}
	if channels <= 0 {
		channels = 1
	}
	buffs := make([][]complex64, channels)
	if shared {
		mem := make([]complex64, capacity)
		for i := range buffs {
			buffs[i] = mem
		}
	} else {
		for i := range buffs {
			buffs[i] = make([]complex64, capacity)
		}
	}
	return &SampleBlock{buffs: buffs, capacity: capacity, shared: shared}
}

// NewSampleBlockFor sizes a block for st. A capacity of zero uses the
// stream's maximum block size.
func NewSampleBlockFor(st sdr.Stream, capacity int) *SampleBlock {
	if capacity <= 0 || capacity > st.MaxSamplesPerBlock() {
		capacity = st.MaxSamplesPerBlock()
	}
	return NewSampleBlock(capacity, st.NumChannels(), st.SharesPhysicalBuffer())
}

// Buffers returns the per-channel slots passed to Recv.
func (b *SampleBlock) Buffers() [][]complex64 { return b.buffs }

// Capacity is the number of samples each slot holds.
func (b *SampleBlock) Capacity() int { return b.capacity }

// Shared reports whether all slots alias one buffer.
func (b *SampleBlock) Shared() bool { return b.shared }

// Channels is the number of channel slots.
func (b *SampleBlock) Channels() int { return len(b.buffs) }

// Channel returns the first n samples of channel i.
func (b *SampleBlock) Channel(i, n int) []complex64 { return b.buffs[i][:n] }
