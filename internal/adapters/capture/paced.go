package capture

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dkeye/camcast/internal/domain"
)

var errSourceClosed = errors.New("source closed")

// unitFunc yields the access unit for frame n.
type unitFunc func(n uint64) (au []byte, key bool)

// pacedSource emits frames from next at a fixed rate until closed.
type pacedSource struct {
	next   unitFunc
	period time.Duration
	start  time.Time
	n      uint64

	stop chan struct{}
	once sync.Once
}

func newPacedSource(fps int, next unitFunc) *pacedSource {
	if fps <= 0 {
		fps = 30
	}
	return &pacedSource{
		next:   next,
		period: time.Second / time.Duration(fps),
		start:  time.Now(),
		stop:   make(chan struct{}),
	}
}

func (s *pacedSource) Read() (domain.Frame, error) {
	due := s.start.Add(time.Duration(s.n) * s.period)
	wait := time.Until(due)
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-s.stop:
			return domain.Frame{}, errSourceClosed
		case <-t.C:
		}
	} else {
		select {
		case <-s.stop:
			return domain.Frame{}, errSourceClosed
		default:
		}
	}

	au, key := s.next(s.n)
	if au == nil {
		return domain.Frame{}, io.EOF
	}
	ts := time.Duration(s.n) * s.period
	s.n++
	return domain.Frame{Data: au, Timestamp: ts, Keyframe: key}, nil
}

func (s *pacedSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Fixed parameter sets for a 16x16 baseline stream. Slices are filler,
// enough to exercise packetization without a decoder on either side.
var (
	patternSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	patternPPS = []byte{0x68, 0xce, 0x38, 0x80}
)

// patternUnits builds a synthetic stream with a keyframe every gop frames.
func patternUnits(gop int) unitFunc {
	if gop <= 0 {
		gop = 30
	}
	return func(n uint64) ([]byte, bool) {
		key := n%uint64(gop) == 0
		var au []byte
		if key {
			au = appendNAL(au, patternSPS)
			au = appendNAL(au, patternPPS)
			au = appendNAL(au, []byte{0x65, 0x88, 0x84, byte(n), byte(n >> 8), 0x80})
		} else {
			au = appendNAL(au, []byte{0x41, 0x9a, 0x02, byte(n), byte(n >> 8), 0x80})
		}
		return au, key
	}
}

// loopUnits replays a fixed list of access units forever.
func loopUnits(units [][]byte, keys []bool) unitFunc {
	return func(n uint64) ([]byte, bool) {
		i := n % uint64(len(units))
		return units[i], keys[i]
	}
}

func appendNAL(dst, nal []byte) []byte {
	dst = append(dst, startCode...)
	return append(dst, nal...)
}
