package uncertainty

import (
	"fmt"
	"math"

	"photcal/internal/header"
	"photcal/internal/survey"
)

// extractor reads one detector quantity from a header.
type extractor func(md header.Metadata) (float64, error)

func constant(v float64) extractor {
	return func(header.Metadata) (float64, error) { return v, nil }
}

func keyword(key string) extractor {
	return func(md header.Metadata) (float64, error) { return md.Float(key) }
}

// product multiplies two header keywords, e.g. single exposure time and
// number of exposures.
func product(a, b string) extractor {
	return func(md header.Metadata) (float64, error) {
		x, err := md.Float(a)
		if err != nil {
			return 0, err
		}
		y, err := md.Float(b)
		if err != nil {
			return 0, err
		}
		return x * y, nil
	}
}

// notApplicable is returned where a survey has no such quantity; the
// formulas treat it as a no-op.
var notApplicable = constant(1.0)

// wiseExposure is the frame exposure time selected by the WISE band number.
func wiseExposure(md header.Metadata) (float64, error) {
	band, err := md.Int("BAND")
	if err != nil {
		return 0, err
	}
	switch band {
	case 1, 2:
		return 7.7, nil
	case 3, 4:
		return 8.8, nil
	}
	return 0, fmt.Errorf("%w: BAND=%d", ErrInvalidHeaderValue, band)
}

// spitzerInstrument reads INSTRUME and rejects anything but IRAC and MIPS.
func spitzerInstrument(md header.Metadata) (string, error) {
	inst, err := md.String("INSTRUME")
	if err != nil {
		return "", err
	}
	if inst != "IRAC" && inst != "MIPS" {
		return "", fmt.Errorf("%w: INSTRUME=%q", ErrInvalidHeaderValue, inst)
	}
	return inst, nil
}

func spitzerGain(md header.Metadata) (float64, error) {
	inst, err := spitzerInstrument(md)
	if err != nil {
		return 0, err
	}
	if inst == "MIPS" {
		return 5.0, nil
	}
	// IRAC: 3.8 e/DN for every channel, scaled by the DN/s to MJy/sr factor
	efconv, err := md.Float("EFCONV")
	if err != nil {
		return 0, err
	}
	return 3.8 * efconv, nil
}

var iracReadNoise = map[int]float64{1: 16.0, 2: 12.0, 3: 10.0, 4: 8.0}

func spitzerReadNoise(md header.Metadata) (float64, error) {
	inst, err := spitzerInstrument(md)
	if err != nil {
		return 0, err
	}
	if inst == "MIPS" {
		return 40.0, nil
	}
	channel, err := md.Int("CHNLNUM")
	if err != nil {
		return 0, err
	}
	rn, ok := iracReadNoise[channel]
	if !ok {
		return 0, fmt.Errorf("%w: CHNLNUM=%d", ErrInvalidHeaderValue, channel)
	}
	return rn, nil
}

// detector bundles the three extraction rules of a survey.
type detector struct {
	gain, readNoise, exptime extractor
}

func (d detector) Gain(md header.Metadata) (float64, error)         { return d.gain(md) }
func (d detector) ReadNoise(md header.Metadata) (float64, error)    { return d.readNoise(md) }
func (d detector) ExposureTime(md header.Metadata) (float64, error) { return d.exptime(md) }

var detectors = map[string]detector{
	survey.PS1:          {keyword("HIERARCH CELL.GAIN"), keyword("HIERARCH CELL.READNOISE"), keyword("EXPTIME")},
	survey.DES:          {keyword("GAIN"), constant(7.0), keyword("EXPTIME")},
	survey.SDSS:         {constant(1.0), constant(0.0), notApplicable},
	survey.GALEX:        {constant(1.0), constant(0.0), keyword("EXPTIME")},
	survey.TwoMASS:      {constant(10.0), constant(4.5 * math.Sqrt(6)), constant(7.8)},
	survey.WISE:         {constant(1.0), constant(0.0), wiseExposure},
	survey.UnWISE:       {constant(1.0), constant(0.0), notApplicable},
	survey.LegacySurvey: {constant(1.0), constant(1.0), notApplicable},
	survey.Spitzer:      {spitzerGain, spitzerReadNoise, keyword("EXPTIME")},
	survey.VISTA:        {constant(4.19), constant(24.0), keyword("EXPTIME")},
	survey.HST:          {keyword("CCDGAIN"), keyword("PCTERNOI"), keyword("EXPTIME")},
	survey.SkyMapper:    {keyword("GAIN"), constant(5.0), keyword("EXPTIME")},
	survey.SPLUS:        {keyword("GAIN"), keyword("HIERARCH OAJ QC NCNOISE"), keyword("TEXPOSED")},
	survey.UKIDSS:       {keyword("GAIN"), keyword("READNOIS"), product("EXP_TIME", "NEXP")},
}
