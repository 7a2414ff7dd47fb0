package ddb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/pkg/logger"
)

const sampleDDB = `#DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED,AIRCRAFT_TYPE
'F','DD1234','ASK-21','D-1234','K1','Y','Y','1'
'F','DDA5BA','Duo Discus','D-KDUO','DD','Y','N','1'
'O','0A1B2C','Robin DR400','F-GXYZ','','Y','Y','8'
'F','3E4F5A','SF-25 Falke','D-KOFA','FA','Y','Y','1'
'I','4B0F12','Pipistrel Taurus','HB-2345','TA','N','Y','8'
'F','ABCDEF','Broken','D-BRKN','','Y'
'F','BADTYP','LS-4','D-9999','L4','Y','Y','glider'
'F','NOTYPE','Discus','D-0001','D1','Y','Y'
`

func TestParse(t *testing.T) {
	table, err := Parse(strings.NewReader(sampleDDB))
	require.NoError(t, err)

	assert.Len(t, table, 6)

	ask := table["DD1234"]
	assert.Equal(t, Aircraft{
		DeviceID:     "DD1234",
		DeviceType:   "F",
		Model:        "ASK-21",
		Registration: "D-1234",
		Callsign:     "K1",
		Tracked:      true,
		Visible:      true,
		Type:         TypeGlider,
	}, ask)

	assert.False(t, table["DDA5BA"].Visible, "identified=N hides the identity")
	assert.True(t, table["DDA5BA"].Tracked)
	assert.Equal(t, TypePowered, table["0A1B2C"].Type)
	assert.Empty(t, table["0A1B2C"].Callsign)
}

func TestParseSkipsMalformedLines(t *testing.T) {
	table, err := Parse(strings.NewReader(sampleDDB))
	require.NoError(t, err)

	_, ok := table["ABCDEF"]
	assert.False(t, ok, "line with too few fields")
	_, ok = table["BADTYP"]
	assert.False(t, ok, "line with a non-numeric aircraft type")

	noType, ok := table["NOTYPE"]
	require.True(t, ok, "line without an aircraft type column")
	assert.Equal(t, TypeUnknown, noType.Type)
}

func TestParseAppliesModelCorrections(t *testing.T) {
	table, err := Parse(strings.NewReader(sampleDDB))
	require.NoError(t, err)

	assert.Equal(t, TypePowered, table["3E4F5A"].Type, "touring motor glider")
	assert.Equal(t, TypeGlider, table["4B0F12"].Type, "self-launching glider")
}

func TestAircraftTypeString(t *testing.T) {
	assert.Equal(t, "GLID", TypeGlider.String())
	assert.Equal(t, "PLN", TypePowered.String())
	assert.Equal(t, "UKN", AircraftType(10).String())
}

func TestRegistryRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleDDB)
	}))
	defer srv.Close()

	reg := NewRegistry(config.DDBConfig{URL: srv.URL}, logger.NewNop())
	assert.Equal(t, 0, reg.Len())

	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, 6, reg.Len())

	a, ok := reg.Lookup("DD1234")
	require.True(t, ok)
	assert.Equal(t, "D-1234", a.Registration)

	_, ok = reg.Lookup("FFFFFF")
	assert.False(t, ok)
	_, ok = reg.Lookup("")
	assert.False(t, ok)
}

func TestRegistryModelOverrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleDDB)
	}))
	defer srv.Close()

	reg := NewRegistry(config.DDBConfig{
		URL:            srv.URL,
		ModelOverrides: map[string]int{"Duo Discus": int(TypeTowPlane)},
	}, logger.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))

	a, ok := reg.Lookup("DDA5BA")
	require.True(t, ok)
	assert.Equal(t, TypeTowPlane, a.Type)
}

func TestRegistryRefreshReplacesTable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, sampleDDB)
			return
		}
		fmt.Fprintln(w, "'F','111111','ASK-13','D-0013','13','Y','Y','1'")
	}))
	defer srv.Close()

	reg := NewRegistry(config.DDBConfig{URL: srv.URL}, logger.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))
	require.NoError(t, reg.Refresh(context.Background()))

	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Lookup("DD1234")
	assert.False(t, ok, "entries from the previous table must not survive")
	_, ok = reg.Lookup("111111")
	assert.True(t, ok)
}

func TestRegistryRefreshHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := NewRegistry(config.DDBConfig{URL: srv.URL}, logger.NewNop())
	err := reg.Refresh(context.Background())

	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, http.StatusServiceUnavailable, transferErr.StatusCode)
	assert.Equal(t, srv.URL, transferErr.URL)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryRefreshKeepsPreviousTableOnFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, sampleDDB)
	}))
	defer srv.Close()

	reg := NewRegistry(config.DDBConfig{URL: srv.URL}, logger.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))

	fail.Store(true)
	assert.Error(t, reg.Refresh(context.Background()))
	assert.Equal(t, 6, reg.Len())
}

func TestRegistryRefreshUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	reg := NewRegistry(config.DDBConfig{URL: url, TimeoutSeconds: 2}, logger.NewNop())
	err := reg.Refresh(context.Background())

	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Zero(t, transferErr.StatusCode)
	assert.Error(t, transferErr.Err)
}

func TestRegistryRefreshWithoutURL(t *testing.T) {
	reg := NewRegistry(config.DDBConfig{}, logger.NewNop())
	err := reg.Refresh(context.Background())

	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "ddb.url", cfgErr.Field)
}
