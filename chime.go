package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"github.com/rs/zerolog/log"
)

const chimeSampleRate = beep.SampleRate(44100)

// Chime plays a short sound when a chat line arrives: the configured wav or
// mp3 file, or a generated two-tone beep when none is set.
type Chime struct {
	file string

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	playing bool
}

func NewChime(file string) *Chime {
	return &Chime{file: file}
}

// Play starts the sound and returns immediately. A chime that is still
// playing swallows new requests.
func (c *Chime) Play() {
	c.initOnce.Do(func() {
		c.initErr = speaker.Init(chimeSampleRate, chimeSampleRate.N(time.Second/10))
		if c.initErr != nil {
			log.Warn().Err(c.initErr).Msg("audio unavailable, chime disabled")
		}
	})
	if c.initErr != nil {
		return
	}

	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return
	}
	c.playing = true
	c.mu.Unlock()

	streamer, closeFn, err := c.streamer()
	if err != nil {
		log.Warn().Str("file", c.file).Err(err).Msg("failed to load chime")
		c.finish(nil)
		return
	}
	speaker.Play(beep.Seq(streamer, beep.Callback(func() { c.finish(closeFn) })))
}

func (c *Chime) finish(closeFn func() error) {
	if closeFn != nil {
		closeFn()
	}
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
}

func (c *Chime) streamer() (beep.Streamer, func() error, error) {
	if c.file == "" {
		return toneStreamer(chimeSampleRate), nil, nil
	}

	f, err := os.Open(c.file)
	if err != nil {
		return nil, nil, err
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(c.file)) {
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".wav":
		s, format, err = wav.Decode(f)
	default:
		err = fmt.Errorf("unsupported audio format: %s", filepath.Ext(c.file))
	}
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to decode audio: %w", err)
	}

	closeFn := func() error {
		s.Close()
		return f.Close()
	}
	return beep.Resample(4, format.SampleRate, chimeSampleRate, s), closeFn, nil
}

// toneStreamer is 880Hz then 1320Hz, 90ms each, with a linear fade out.
func toneStreamer(sr beep.SampleRate) beep.Streamer {
	return beep.Seq(
		beep.Take(sr.N(90*time.Millisecond), sine(sr, 880, sr.N(90*time.Millisecond))),
		beep.Take(sr.N(90*time.Millisecond), sine(sr, 1320, sr.N(90*time.Millisecond))),
	)
}

func sine(sr beep.SampleRate, freq float64, length int) beep.Streamer {
	pos := 0
	step := 2 * math.Pi * freq / float64(sr)
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			gain := 0.25
			if length > 0 {
				gain *= 1 - float64(pos)/float64(length)
			}
			v := gain * math.Sin(step*float64(pos))
			samples[i][0], samples[i][1] = v, v
			pos++
		}
		return len(samples), true
	})
}
