package capture

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

var startCode = []byte{0, 0, 0, 1}

// accessUnits groups the NAL units of an Annex-B stream into access units,
// one per video frame. Access unit delimiters are dropped.
type accessUnits struct {
	r *h264reader.H264Reader

	buf      []byte
	hasSlice bool
	key      bool
}

func newAccessUnits(in io.Reader) (*accessUnits, error) {
	r, err := h264reader.NewReader(in)
	if err != nil {
		return nil, err
	}
	return &accessUnits{r: r}, nil
}

// next returns the next complete access unit in Annex-B form.
func (a *accessUnits) next() (au []byte, key bool, err error) {
	for {
		nal, err := a.r.NextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) && a.hasSlice {
				return a.flush()
			}
			return nil, false, err
		}
		if len(nal.Data) == 0 {
			continue
		}

		if a.hasSlice && startsAccessUnit(nal) {
			au, key = a.take()
			a.add(nal)
			return au, key, nil
		}
		a.add(nal)
	}
}

func (a *accessUnits) add(nal *h264reader.NAL) {
	switch nal.UnitType {
	case h264reader.NalUnitTypeAUD:
		return
	case h264reader.NalUnitTypeCodedSliceIdr:
		a.key = true
		a.hasSlice = true
	case h264reader.NalUnitTypeCodedSliceNonIdr:
		a.hasSlice = true
	}
	a.buf = append(a.buf, startCode...)
	a.buf = append(a.buf, nal.Data...)
}

func (a *accessUnits) take() ([]byte, bool) {
	au, key := a.buf, a.key
	a.buf, a.key, a.hasSlice = nil, false, false
	return au, key
}

func (a *accessUnits) flush() ([]byte, bool, error) {
	au, key := a.take()
	return au, key, nil
}

// startsAccessUnit reports whether nal opens a new access unit given that
// the current one already holds a slice.
func startsAccessUnit(nal *h264reader.NAL) bool {
	switch nal.UnitType {
	case h264reader.NalUnitTypeAUD, h264reader.NalUnitTypeSPS, h264reader.NalUnitTypePPS, h264reader.NalUnitTypeSEI:
		return true
	case h264reader.NalUnitTypeCodedSliceIdr, h264reader.NalUnitTypeCodedSliceNonIdr:
		// first_mb_in_slice is ue(v); a leading 1 bit means 0.
		return len(nal.Data) > 1 && nal.Data[1]&0x80 != 0
	}
	return false
}
