package ffado

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCIPHeaderEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var h = CIPHeader{
			SID: rapid.Uint8Range(0, 0x3f).Draw(t, "sid"),
			DBS: rapid.Uint8().Draw(t, "dbs"),
			FN:  rapid.Uint8Range(0, 0x3).Draw(t, "fn"),
			QPC: rapid.Uint8Range(0, 0x7).Draw(t, "qpc"),
			SPH: rapid.Bool().Draw(t, "sph"),
			DBC: rapid.Uint8().Draw(t, "dbc"),
			FMT: rapid.Uint8Range(0, 0x3f).Draw(t, "fmt"),
			FDF: rapid.Uint8().Draw(t, "fdf"),
			SYT: rapid.Uint16().Draw(t, "syt"),
		}

		var raw = h.Encode()
		var back, err = DecodeCIPHeader(raw)

		require.NoError(t, err)
		assert.Equal(t, h, back)
	})
}

func TestCIPHeaderValidRejectsNoInfoFields(t *testing.T) {
	var base = CIPHeader{DBS: 2, FMT: FMTAMDTP, FDF: FDF48000, SYT: 0x1234}
	assert.True(t, base.Valid())

	var noSYT = base
	noSYT.SYT = SYTNoInfo
	assert.False(t, noSYT.Valid())

	var noFDF = base
	noFDF.FDF = FDFNoData
	assert.False(t, noFDF.Valid())

	var wrongFMT = base
	wrongFMT.FMT = 0x20
	assert.False(t, wrongFMT.Valid())

	var zeroDBS = base
	zeroDBS.DBS = 0
	assert.False(t, zeroDBS.Valid())
}

func TestNEventsInPacket(t *testing.T) {
	var h = CIPHeader{DBS: 2} // 2 quadlets (8 bytes) per cluster

	assert.Equal(t, 4, h.NEventsInPacket(8+32))
	assert.Equal(t, 0, h.NEventsInPacket(8))
}

func TestSYTIntervalForRateFamilies(t *testing.T) {
	var cases = map[int]uint{
		44100: 8, 48000: 8,
		88200: 16, 96000: 16,
		176400: 32, 192000: 32,
	}

	for rate, want := range cases {
		var got, err = sytIntervalForRate(rate)
		require.NoError(t, err)
		assert.Equal(t, want, got, "rate %d", rate)
	}

	var _, err = sytIntervalForRate(12345)
	assert.ErrorIs(t, err, ErrConfig)
}
