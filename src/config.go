package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Load a session's device/stream/port layout from a YAML
 *		file, the way the teacher's src/deviceid.go loads
 *		tocalls.yaml.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ffadogo/streaming/internal/dwlog"
)

// PortConfig describes one Port to create on a StreamConfig.
type PortConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`     // "audio-int24", "audio-float", or "midi"
	Position int    `yaml:"position"` // cluster slot
	Location int    `yaml:"location"` // MIDI TDM sub-slot, 0..7
}

// StreamConfig describes one StreamProcessor and its Ports.
type StreamConfig struct {
	Channel      int    `yaml:"channel"`
	Direction    string `yaml:"direction"` // "capture" or "playback"
	SampleRate   int    `yaml:"sample_rate"`
	Dimension    int    `yaml:"dimension"`
	BufferFrames int    `yaml:"buffer_frames"`
	Bandwidth    float64 `yaml:"bandwidth"`
	Blocking     string `yaml:"blocking"` // "normal" or "empty-on-idle"
	IsSyncSource bool   `yaml:"sync_source"`
	Variant      string `yaml:"variant"` // "" (normal AMDTP) or "oxford"

	Ports []PortConfig `yaml:"ports"`
}

// SessionConfig is the top-level document describing a complete capture and
// playback session: every StreamProcessor the Manager should build and
// register.
type SessionConfig struct {
	PeriodSize int            `yaml:"period_size"`
	Streams    []StreamConfig `yaml:"streams"`
}

// LoadSessionConfig reads and parses a SessionConfig from path.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	var fp, openErr = os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("%w: opening session config %s: %v", ErrConfig, path, openErr)
	}
	defer fp.Close()

	var data, readErr = io.ReadAll(fp)
	if readErr != nil {
		return nil, fmt.Errorf("%w: reading session config %s: %v", ErrConfig, path, readErr)
	}

	var cfg SessionConfig

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing session config %s: %v", ErrConfig, path, err)
	}

	if cfg.PeriodSize <= 0 {
		return nil, fmt.Errorf("%w: period_size must be positive", ErrConfig)
	}

	for i := range cfg.Streams {
		if cfg.Streams[i].Direction != "capture" && cfg.Streams[i].Direction != "playback" {
			return nil, fmt.Errorf("%w: stream %d: direction must be capture or playback", ErrConfig, cfg.Streams[i].Channel)
		}
	}

	return &cfg, nil
}

// direction parses a StreamConfig's Direction string.
func (s StreamConfig) direction() Direction {
	if s.Direction == "playback" {
		return DirectionPlayback
	}

	return DirectionCapture
}

// blockingMode parses a StreamConfig's Blocking string.
func (s StreamConfig) blockingMode() BlockingMode {
	if s.Blocking == "empty-on-idle" {
		return BlockingModeEmptyOnIdle
	}

	return BlockingModeNormal
}

// portKind parses a PortConfig's Kind string.
func (p PortConfig) portKind() (PortKind, error) {
	switch p.Kind {
	case "audio-int24":
		return PortAudioInt24, nil
	case "audio-float":
		return PortAudioFloat, nil
	case "midi":
		return PortMIDI, nil
	default:
		return 0, fmt.Errorf("%w: unknown port kind %q", ErrConfig, p.Kind)
	}
}

// BuildSession constructs a StreamProcessorManager, every configured
// StreamProcessor (Prepared), and their Ports, wiring everything together
// and registering each SP with the Manager. The caller still owns Start and
// binding client buffers to the returned Ports via SetAudioInt24Buffer /
// SetAudioFloatBuffer.
func (c *SessionConfig) BuildSession(log *dwlog.Logger) (*StreamProcessorManager, error) {
	var mgr = NewStreamProcessorManager(c.PeriodSize, log)

	for _, sc := range c.Streams {
		var spCfg = StreamProcessorConfig{
			Channel:      sc.Channel,
			Direction:    sc.direction(),
			SampleRate:   sc.SampleRate,
			Dimension:    sc.Dimension,
			BufferFrames: sc.BufferFrames,
			Bandwidth:    sc.Bandwidth,
			Blocking:     sc.blockingMode(),
			IsSyncSource: sc.IsSyncSource,
		}

		var sp *StreamProcessor
		var prepare func() error
		var err error

		if sc.Variant == "oxford" {
			// Nominal frames per 125us cycle at this sample rate, rounded
			// down; AMDTP packs fewer than SYT-interval events per packet.
			var framesPerPacket = sc.SampleRate / CyclesPerSecond
			if framesPerPacket < 1 {
				framesPerPacket = 1
			}

			var oxford, oxfordErr = NewOxfordReceiveProcessor(spCfg, framesPerPacket, log)
			err = oxfordErr

			if oxford != nil {
				sp = oxford.StreamProcessor
				prepare = oxford.Prepare
			}
		} else {
			sp, err = NewStreamProcessor(spCfg, log)
			if sp != nil {
				prepare = sp.Prepare
			}
		}

		if err != nil {
			return nil, err
		}

		if err := prepare(); err != nil {
			return nil, fmt.Errorf("%w: preparing stream on channel %d: %v", ErrConfig, sc.Channel, err)
		}

		for _, pc := range sc.Ports {
			var kind, kindErr = pc.portKind()
			if kindErr != nil {
				return nil, kindErr
			}

			var port *Port

			if kind == PortMIDI {
				port, err = NewMIDIPort(pc.Name, sc.direction(), pc.Position, pc.Location)
			} else {
				port, err = NewAudioPort(pc.Name, sc.direction(), kind, pc.Position)
			}

			if err != nil {
				return nil, err
			}

			sp.AddPort(port)
		}

		mgr.AddStreamProcessor(sp, sc.IsSyncSource)
	}

	return mgr, nil
}
