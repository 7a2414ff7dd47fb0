package beacon

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBeacon = `FLRDDA5BA>APRS,qAS,LFMX:/160829h4415.41N/00600.03E'342/049/A=005524 id0ADDA5BA -454fpm -1.1rot 8.8dB 0e +51.2kHz gps4x5`

var fixedNow = time.Date(2024, 7, 14, 17, 30, 0, 0, time.UTC)

func newTestDecoder() *Decoder {
	return NewDecoderWithClock(func() time.Time { return fixedNow })
}

func TestParseCoordinate(t *testing.T) {
	tests := []struct {
		token string
		want  float64
	}{
		{"4717.88N", 47.298},
		{"01613.45E", 16.2242},
		{"4717.88S", -47.298},
		{"01613.45W", -16.2242},
		{"0000.00N", 0},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := ParseCoordinate(tt.token)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestParseCoordinateRejectsBadHemisphere(t *testing.T) {
	_, err := ParseCoordinate("4717.88X")
	assert.Error(t, err)
}

func TestDecodeSampleBeacon(t *testing.T) {
	tel, err := newTestDecoder().Decode(sampleBeacon)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.Equal(t, "DDA5BA", tel.DeviceID)
	assert.Equal(t, "FLRDDA5BA", tel.Callsign)
	assert.Equal(t, "LFMX", tel.Station)
	assert.InDelta(t, 44.256833, tel.Latitude, 1e-6)
	assert.InDelta(t, 6.0005, tel.Longitude, 1e-6)
	assert.InDelta(t, 342, tel.Course, 1e-9)
	assert.InDelta(t, 49*1.852, tel.SpeedKmh, 1e-9)
	assert.InDelta(t, 5524*0.3048, tel.AltitudeM, 1e-9)
	assert.InDelta(t, -454*0.00508, tel.ClimbRate, 1e-9)
	assert.InDelta(t, 0.55, tel.TurnRate, 1e-9)
	assert.Equal(t, 2, tel.AircraftType)
	assert.Equal(t, 2, tel.AddressType)
	assert.Equal(t, time.Date(2024, 7, 14, 16, 8, 29, 0, time.UTC), tel.Timestamp)
	assert.Equal(t, fixedNow.Local(), tel.ReceivedAt)
}

func TestDecodeBlankAndForeignLines(t *testing.T) {
	d := newTestDecoder()

	for _, line := range []string{
		"",
		"   \t ",
		"# aprsc 2.1.4-g408ed49 14 Jul 2024 16:08:29 GMT GLIDERN1 37.187.40.234:14580",
		"LFMX>OGNSDR,TCPIP*,qAC,GLIDERN2:/160829h4415.41NI00600.03E&/A=001801",
	} {
		tel, err := d.Decode(line)
		assert.NoError(t, err, line)
		assert.Nil(t, tel, line)
	}
}

func TestDecodeMissingGrammarToken(t *testing.T) {
	d := newTestDecoder()

	mutations := map[string]string{
		"station triplet": strings.Replace(sampleBeacon, "APRS,qAS,LFMX:", "APRS:", 1),
		"timestamp":       strings.Replace(sampleBeacon, "160829h", "", 1),
		"latitude":        strings.Replace(sampleBeacon, "4415.41N", "", 1),
		"longitude":       strings.Replace(sampleBeacon, "00600.03E", "", 1),
		"course/speed":    strings.Replace(sampleBeacon, "342/049/", "", 1),
		"altitude":        strings.Replace(sampleBeacon, "A=005524", "", 1),
		"device id":       strings.Replace(sampleBeacon, "id0ADDA5BA", "", 1),
		"vertical speed":  strings.Replace(sampleBeacon, "-454fpm", "", 1),
		"turn rate":       strings.Replace(sampleBeacon, "-1.1rot", "", 1),
	}

	for name, line := range mutations {
		t.Run(name, func(t *testing.T) {
			tel, err := d.Decode(line)
			assert.NoError(t, err)
			assert.Nil(t, tel)
		})
	}
}

func TestDecodeFlagByteGating(t *testing.T) {
	d := newTestDecoder()

	for digit := 0; digit < 16; digit++ {
		line := strings.Replace(sampleBeacon, "id0ADDA5BA", fmt.Sprintf("id%XADDA5BA", digit), 1)
		tel, err := d.Decode(line)
		require.NoError(t, err)

		if digit <= 3 {
			assert.NotNil(t, tel, "flag digit %X should be accepted", digit)
		} else {
			assert.Nil(t, tel, "flag digit %X should be rejected", digit)
		}
	}
}

func TestDecodeLocalTimeSuffixIsFormatError(t *testing.T) {
	line := strings.Replace(sampleBeacon, "160829h", "160829z", 1)

	tel, err := newTestDecoder().Decode(line)
	assert.Nil(t, tel)

	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Equal(t, "timestamp", formatErr.Field)
}

func TestDecodeInvalidTimeOfDay(t *testing.T) {
	line := strings.Replace(sampleBeacon, "160829h", "256099h", 1)

	tel, err := newTestDecoder().Decode(line)
	assert.NoError(t, err)
	assert.Nil(t, tel)
}

func TestDecodeFixAcrossMidnight(t *testing.T) {
	afterMidnight := time.Date(2024, 7, 15, 0, 0, 4, 0, time.UTC)
	d := NewDecoderWithClock(func() time.Time { return afterMidnight })

	tel, err := d.Decode(strings.Replace(sampleBeacon, "160829h", "235958h", 1))
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.Equal(t, time.Date(2024, 7, 14, 23, 59, 58, 0, time.UTC), tel.Timestamp)

	// Small clock skew ahead of the receiver keeps the current date
	tel, err = d.Decode(strings.Replace(sampleBeacon, "160829h", "000010h", 1))
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.Equal(t, time.Date(2024, 7, 15, 0, 0, 10, 0, time.UTC), tel.Timestamp)
}

func TestDecodeSouthWestAndPositiveTurn(t *testing.T) {
	line := `ICA4B0F12>APRS,qAS,Rivas:/091500h3345.60S\07030.30W^090/010/A=000328 id254B0F12 +198fpm +2.0rot`

	tel, err := newTestDecoder().Decode(line)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.Equal(t, "4B0F12", tel.DeviceID)
	assert.InDelta(t, -33.76, tel.Latitude, 1e-6)
	assert.InDelta(t, -70.505, tel.Longitude, 1e-6)
	assert.InDelta(t, 1.0, tel.TurnRate, 1e-9)
	assert.InDelta(t, 198*0.00508, tel.ClimbRate, 1e-9)
	// 0x25: aircraft type 9 (jet), ICAO address
	assert.Equal(t, 9, tel.AircraftType)
	assert.Equal(t, 1, tel.AddressType)
}
