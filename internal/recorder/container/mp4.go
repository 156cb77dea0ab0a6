package container

import (
	"fmt"
	"math"
	"os"
	"sync"

	gomp4 "github.com/abema/go-mp4"

	"github.com/mikeyg42/precam/internal/recorder/encoder"
	"github.com/mikeyg42/precam/internal/recorder/recorderlog"
)

const (
	movieTimescale = 1000
	videoTimescale = 90000
	opusPreSkip    = 312
)

type mp4Sample struct {
	offset uint64
	size   uint32
	sync   bool
	pts    int64
}

type mp4Track struct {
	id        uint32
	format    encoder.Format
	timescale uint32
	samples   []mp4Sample
}

func (t *mp4Track) isVideo() bool { return t.format.Kind == encoder.KindVideo }

// defaultDelta is the duration given to the last sample when there is no
// later sample to measure against.
func (t *mp4Track) defaultDelta() uint32 {
	if t.isVideo() {
		if t.format.FrameRate > 0 {
			return t.timescale / uint32(t.format.FrameRate)
		}
		return t.timescale / 30
	}
	return t.timescale / 50
}

// MP4Muxer writes a progressive MP4 file: ftyp, one mdat that samples are
// appended to, and a moov written on Stop.
type MP4Muxer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	bw       *boxWriter
	tracks   []*mp4Track
	rotation int
	started  bool
	stopped  bool
	bytes    uint64
	logger   recorderlog.Logger
}

// NewMP4Muxer creates the file at path.
func NewMP4Muxer(path string, logger recorderlog.Logger) (*MP4Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if logger == nil {
		logger = recorderlog.Nop()
	}
	return &MP4Muxer{
		path:   path,
		file:   f,
		bw:     newBoxWriter(f),
		logger: logger.With(recorderlog.String("path", path)),
	}, nil
}

// AddTrack registers a VP8 video or Opus audio track and returns its index.
func (m *MP4Muxer) AddTrack(f encoder.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return -1, ErrAlreadyStarted
	}
	t := &mp4Track{id: uint32(len(m.tracks) + 1), format: f}
	switch {
	case f.Kind == encoder.KindVideo && f.Codec == encoder.CodecVP8:
		t.timescale = videoTimescale
	case f.Kind == encoder.KindAudio && f.Codec == encoder.CodecOpus:
		t.timescale = uint32(f.SampleRate)
		if t.timescale == 0 {
			t.timescale = 48000
		}
	default:
		return -1, fmt.Errorf("%w: %s track with codec %q", ErrUnsupportedFormat, f.Kind, f.Codec)
	}
	m.tracks = append(m.tracks, t)
	return len(m.tracks) - 1, nil
}

// SetOrientationHint stores a clockwise display rotation for the video track.
func (m *MP4Muxer) SetOrientationHint(degrees int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if !validRotation(degrees) {
		return fmt.Errorf("%w: %d", ErrInvalidRotation, degrees)
	}
	m.rotation = degrees
	return nil
}

// Start writes the file header and opens the media data box.
func (m *MP4Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("container: no tracks added")
	}

	m.bw.box(&gomp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 512,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'i', 's', 'o', '2'}},
			{CompatibleBrand: gomp4.BrandMP41()},
		},
	})
	m.bw.startLarge(gomp4.BoxTypeMdat())
	if m.bw.err != nil {
		return fmt.Errorf("write header: %w", m.bw.err)
	}
	m.started = true
	m.logger.Debug("mp4 started", recorderlog.Int("tracks", len(m.tracks)), recorderlog.Int("rotation", m.rotation))
	return nil
}

// WriteSample appends one encoded sample. Codec-config packets are dropped;
// the sample entry carries the codec setup.
func (m *MP4Muxer) WriteSample(track int, p encoder.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopped:
		return ErrStopped
	case !m.started:
		return ErrNotStarted
	case track < 0 || track >= len(m.tracks):
		return fmt.Errorf("%w: %d", ErrUnknownTrack, track)
	}
	if p.Flags.IsCodecConfig() || len(p.Data) == 0 {
		return nil
	}

	t := m.tracks[track]
	if n := len(t.samples); n > 0 && p.PTS < t.samples[n-1].pts {
		return fmt.Errorf("%w: track %d %d < %d", ErrNonMonotonicPTS, track, p.PTS, t.samples[n-1].pts)
	}

	off := m.bw.offset()
	m.bw.write(p.Data)
	if m.bw.err != nil {
		return fmt.Errorf("write sample: %w", m.bw.err)
	}
	t.samples = append(t.samples, mp4Sample{
		offset: uint64(off),
		size:   uint32(len(p.Data)),
		sync:   p.Flags.IsSync() || !t.isVideo(),
		pts:    p.PTS,
	})
	m.bytes += uint64(len(p.Data))
	return nil
}

// Stop closes the media data box, writes the sample tables and closes the file.
func (m *MP4Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	m.stopped = true
	if !m.started {
		m.file.Close()
		return ErrNotStarted
	}

	m.bw.end()
	m.writeMoov()
	if m.bw.err != nil {
		m.file.Close()
		return fmt.Errorf("finalize %s: %w", m.path, m.bw.err)
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", m.path, err)
	}

	m.logger.Info("mp4 finalized", m.summary()...)
	return nil
}

func (m *MP4Muxer) summary() []recorderlog.Field {
	fields := []recorderlog.Field{recorderlog.Uint64("bytes", m.bytes)}
	for _, t := range m.tracks {
		fields = append(fields, recorderlog.Int(t.format.Kind.String()+"_samples", len(t.samples)))
	}
	return fields
}

// origin is the earliest first-sample PTS across tracks.
func (m *MP4Muxer) origin() int64 {
	origin := int64(math.MaxInt64)
	for _, t := range m.tracks {
		if len(t.samples) > 0 && t.samples[0].pts < origin {
			origin = t.samples[0].pts
		}
	}
	if origin == math.MaxInt64 {
		return 0
	}
	return origin
}

type trackTiming struct {
	deltas   []uint32
	media    uint64 // media timescale
	offset   uint64 // movie timescale
	duration uint64 // movie timescale, including offset
}

func (t *mp4Track) timing(origin int64) trackTiming {
	var tt trackTiming
	n := len(t.samples)
	if n == 0 {
		return tt
	}
	toMedia := func(pts int64) int64 {
		return (pts - origin) * int64(t.timescale) / 1_000_000
	}

	tt.deltas = make([]uint32, n)
	for i := 0; i < n-1; i++ {
		tt.deltas[i] = uint32(toMedia(t.samples[i+1].pts) - toMedia(t.samples[i].pts))
	}
	if n > 1 {
		tt.deltas[n-1] = tt.deltas[n-2]
	}
	if tt.deltas[n-1] == 0 {
		tt.deltas[n-1] = t.defaultDelta()
	}
	for _, d := range tt.deltas {
		tt.media += uint64(d)
	}

	tt.offset = uint64(t.samples[0].pts-origin) * movieTimescale / 1_000_000
	tt.duration = tt.offset + tt.media*movieTimescale/uint64(t.timescale)
	return tt
}

func (m *MP4Muxer) writeMoov() {
	origin := m.origin()
	timings := make([]trackTiming, len(m.tracks))
	var movieDuration uint64
	for i, t := range m.tracks {
		timings[i] = t.timing(origin)
		if timings[i].duration > movieDuration {
			movieDuration = timings[i].duration
		}
	}

	m.bw.start(&gomp4.Moov{})
	m.bw.box(&gomp4.Mvhd{
		Timescale:   movieTimescale,
		DurationV0:  uint32(movieDuration),
		Rate:        0x10000,
		Volume:      0x100,
		Matrix:      rotationMatrix(0),
		NextTrackID: uint32(len(m.tracks) + 1),
	})
	for i, t := range m.tracks {
		m.writeTrak(t, timings[i])
	}
	m.bw.end()
}

func (m *MP4Muxer) writeTrak(t *mp4Track, tt trackTiming) {
	bw := m.bw

	bw.start(&gomp4.Trak{})

	tkhd := &gomp4.Tkhd{
		FullBox:    gomp4.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID:    t.id,
		DurationV0: uint32(tt.duration),
		Matrix:     rotationMatrix(0),
	}
	if t.isVideo() {
		tkhd.Width = uint32(t.format.Width) << 16
		tkhd.Height = uint32(t.format.Height) << 16
		tkhd.Matrix = rotationMatrix(m.rotation)
	} else {
		tkhd.AlternateGroup = 1
		tkhd.Volume = 0x100
	}
	bw.box(tkhd)

	if tt.offset > 0 {
		bw.start(&gomp4.Edts{})
		bw.box(&gomp4.Elst{
			EntryCount: 2,
			Entries: []gomp4.ElstEntry{
				{SegmentDurationV0: uint32(tt.offset), MediaTimeV0: -1, MediaRateInteger: 1},
				{SegmentDurationV0: uint32(tt.duration - tt.offset), MediaTimeV0: 0, MediaRateInteger: 1},
			},
		})
		bw.end()
	}

	bw.start(&gomp4.Mdia{})
	bw.box(&gomp4.Mdhd{
		Timescale:  t.timescale,
		DurationV0: uint32(tt.media),
		Language:   [3]byte{'u', 'n', 'd'},
	})
	if t.isVideo() {
		bw.box(&gomp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandler"})
	} else {
		bw.box(&gomp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "SoundHandler"})
	}

	bw.start(&gomp4.Minf{})
	if t.isVideo() {
		bw.box(&gomp4.Vmhd{FullBox: gomp4.FullBox{Flags: [3]byte{0, 0, 1}}})
	} else {
		bw.box(&gomp4.Smhd{})
	}
	bw.start(&gomp4.Dinf{})
	bw.start(&gomp4.Dref{EntryCount: 1})
	bw.box(&gomp4.Url{FullBox: gomp4.FullBox{Flags: [3]byte{0, 0, 1}}})
	bw.end() // dref
	bw.end() // dinf

	bw.start(&gomp4.Stbl{})
	m.writeStsd(t)
	m.writeSampleTables(t, tt)
	bw.end() // stbl
	bw.end() // minf
	bw.end() // mdia
	bw.end() // trak
}

func (m *MP4Muxer) writeStsd(t *mp4Track) {
	bw := m.bw
	bw.start(&gomp4.Stsd{EntryCount: 1})
	if t.isVideo() {
		bw.start(&gomp4.VisualSampleEntry{
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: gomp4.BoxTypeVp08()},
				DataReferenceIndex: 1,
			},
			Width:           uint16(t.format.Width),
			Height:          uint16(t.format.Height),
			Horizresolution: 4718592,
			Vertresolution:  4718592,
			FrameCount:      1,
			Depth:           24,
			PreDefined3:     -1,
		})
		bw.box(&gomp4.VpcC{
			FullBox:                 gomp4.FullBox{Version: 1},
			Profile:                 0,
			Level:                   10,
			BitDepth:                8,
			ChromaSubsampling:       1,
			ColourPrimaries:         2,
			TransferCharacteristics: 2,
			MatrixCoefficients:      2,
		})
		bw.end()
	} else {
		channels := t.format.Channels
		if channels <= 0 {
			channels = 1
		}
		bw.start(&gomp4.AudioSampleEntry{
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: gomp4.BoxTypeOpus()},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(channels),
			SampleSize:   16,
			SampleRate:   48000 << 16,
		})
		bw.box(&gomp4.DOps{
			OutputChannelCount: uint8(channels),
			PreSkip:            opusPreSkip,
			InputSampleRate:    t.timescale,
		})
		bw.end()
	}
	bw.end()
}

func (m *MP4Muxer) writeSampleTables(t *mp4Track, tt trackTiming) {
	bw := m.bw
	n := uint32(len(t.samples))

	stts := &gomp4.Stts{}
	for _, d := range tt.deltas {
		if k := len(stts.Entries); k > 0 && stts.Entries[k-1].SampleDelta == d {
			stts.Entries[k-1].SampleCount++
			continue
		}
		stts.Entries = append(stts.Entries, gomp4.SttsEntry{SampleCount: 1, SampleDelta: d})
	}
	stts.EntryCount = uint32(len(stts.Entries))
	bw.box(stts)

	if t.isVideo() {
		stss := &gomp4.Stss{}
		for i, s := range t.samples {
			if s.sync {
				stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
			}
		}
		stss.EntryCount = uint32(len(stss.SampleNumber))
		bw.box(stss)
	}

	stsc := &gomp4.Stsc{}
	if n > 0 {
		stsc.EntryCount = 1
		stsc.Entries = []gomp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}
	}
	bw.box(stsc)

	stsz := &gomp4.Stsz{SampleCount: n, EntrySize: make([]uint32, n)}
	for i, s := range t.samples {
		stsz.EntrySize[i] = s.size
	}
	bw.box(stsz)

	// one sample per chunk
	if n > 0 && t.samples[n-1].offset > math.MaxUint32 {
		co64 := &gomp4.Co64{EntryCount: n, ChunkOffset: make([]uint64, n)}
		for i, s := range t.samples {
			co64.ChunkOffset[i] = s.offset
		}
		bw.box(co64)
		return
	}
	stco := &gomp4.Stco{EntryCount: n, ChunkOffset: make([]uint32, n)}
	for i, s := range t.samples {
		stco.ChunkOffset[i] = uint32(s.offset)
	}
	bw.box(stco)
}
