package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"

	"github.com/rbright/parlo/internal/playback"
)

// DefaultOutputRate is the rate of synthesized model speech.
const DefaultOutputRate = 24000

// Output is a Pulse playback stream that mixes scheduled buffers at sample
// offsets. Its clock counts samples handed to the sound server.
type Output struct {
	device Device
	rate   int

	client *pulse.Client
	stream *pulse.PlaybackStream

	mu       sync.Mutex
	rendered int64
	voices   []*outputVoice
	closed   bool
}

type outputVoice struct {
	out     *Output
	start   int64
	samples []int16
	done    func()
}

func (v *outputVoice) end() int64 {
	return v.start + int64(len(v.samples))
}

// Stop removes the voice from the mix without firing its done callback.
func (v *outputVoice) Stop() {
	v.out.remove(v)
}

// OpenOutput starts a mono playback stream on the selected sink, or the
// default sink when id is empty or "default".
func OpenOutput(_ context.Context, id string, rate int) (*Output, error) {
	if rate <= 0 {
		rate = DefaultOutputRate
	}
	out := &Output{rate: rate}

	client, err := newClient("audio-speakers")
	if err != nil {
		return nil, err
	}
	out.client = client

	var sink *pulse.Sink
	if isDefaultTerm(id) {
		sink, err = client.DefaultSink()
	} else {
		sink, err = client.SinkByID(id)
	}
	if err != nil {
		client.Close()
		return nil, classify(fmt.Errorf("resolve sink %q: %w", id, err))
	}
	out.device = Device{ID: sink.ID(), Description: sink.Name(), Available: true}

	stream, err := client.NewPlayback(
		pulse.Int16Reader(out.fill),
		pulse.PlaybackSink(sink),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(rate),
		pulse.PlaybackLatency(0.05),
		pulse.PlaybackMediaName("parlo model speech"),
	)
	if err != nil {
		client.Close()
		return nil, classify(fmt.Errorf("create pulse playback stream: %w", err))
	}
	out.stream = stream
	stream.Start()

	return out, nil
}

// Device returns the resolved sink.
func (o *Output) Device() Device {
	return o.device
}

// Now reports the playback clock.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samplesToDuration(o.rendered)
}

// Play mixes samples into the stream starting at the given clock position.
func (o *Output) Play(at time.Duration, samples []int16, sampleRate int, done func()) (playback.Voice, error) {
	if sampleRate != o.rate {
		return nil, fmt.Errorf("output stream runs at %d Hz, got %d Hz", o.rate, sampleRate)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fmt.Errorf("%w: output closed", ErrDeviceUnavailable)
	}
	if o.stream != nil {
		if err := o.stream.Error(); err != nil {
			return nil, classify(fmt.Errorf("playback stream: %w", err))
		}
	}

	start := o.durationToSamples(at)
	if start < o.rendered {
		start = o.rendered
	}
	voice := &outputVoice{out: o, start: start, samples: samples, done: done}
	o.voices = append(o.voices, voice)
	return voice, nil
}

// Close stops the stream. Pending voices are discarded without callbacks.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.voices = nil
	o.mu.Unlock()

	var err error
	if o.stream != nil {
		o.stream.Stop()
		err = o.stream.Error()
		o.stream.Close()
	}
	if o.client != nil {
		o.client.Close()
	}
	if err != nil {
		return fmt.Errorf("close playback stream: %w", err)
	}
	return nil
}

// fill renders the next block of the mix. Done callbacks run after the lock
// is released so they may call back into the scheduler.
func (o *Output) fill(buf []int16) (int, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, pulse.EndOfData
	}

	for i := range buf {
		buf[i] = 0
	}
	blockStart := o.rendered
	blockEnd := blockStart + int64(len(buf))

	var finished []func()
	kept := o.voices[:0]
	for _, v := range o.voices {
		mixVoice(buf, blockStart, blockEnd, v)
		if v.end() <= blockEnd {
			if v.done != nil {
				finished = append(finished, v.done)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(o.voices); i++ {
		o.voices[i] = nil
	}
	o.voices = kept
	o.rendered = blockEnd
	o.mu.Unlock()

	for _, fn := range finished {
		fn()
	}
	return len(buf), nil
}

func (o *Output) remove(target *outputVoice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, v := range o.voices {
		if v == target {
			o.voices = append(o.voices[:i], o.voices[i+1:]...)
			return
		}
	}
}

func (o *Output) samplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(o.rate)
}

func (o *Output) durationToSamples(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() * float64(o.rate)))
}

// mixVoice adds the part of v overlapping [blockStart, blockEnd) into buf with saturation.
func mixVoice(buf []int16, blockStart, blockEnd int64, v *outputVoice) {
	from := max(v.start, blockStart)
	to := min(v.end(), blockEnd)
	for pos := from; pos < to; pos++ {
		idx := pos - blockStart
		sum := int32(buf[idx]) + int32(v.samples[pos-v.start])
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		buf[idx] = int16(sum)
	}
}
