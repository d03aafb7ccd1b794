package main

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/callbill/internal/api"
	"github.com/opensource-finance/callbill/internal/billing"
	"github.com/opensource-finance/callbill/internal/cache"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/opensource-finance/callbill/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `call_id,source,destination,started_at,ended_at,expected_price
70,99988526423,9993468278,2016-02-29T12:00:00Z,2016-02-29T14:00:00Z,11.16
71,99988526423,9993468278,2017-12-12T15:07:13Z,2017-12-12T15:14:56Z,0.99
72,99988526423,9993468278,2017-12-12T22:47:56Z,2017-12-12T22:50:56Z,0.36
73,99988526423,9993468278,2017-12-12T21:57:13Z,2017-12-12T22:10:56Z,1.53
74,99988526423,9993468278,2017-12-12T04:57:13Z,2017-12-12T06:10:56Z,0.36
75,99988526423,9993468278,2017-12-12T21:57:13Z,2017-12-13T22:10:56Z,131.13
76,99988526423,9993468278,1513091278,1513091576,0.72
77,99988526423,9993468278,2018-02-28T21:57:13Z,2018-03-01T22:10:56Z,
`

func TestReadCallsCSV(t *testing.T) {
	t.Run("Sample", func(t *testing.T) {
		calls, err := readCallsCSV(strings.NewReader(sampleCSV), 0)
		require.NoError(t, err)
		require.Len(t, calls, 8)

		assert.Equal(t, int64(70), calls[0].ID)
		assert.Equal(t, "99988526423", calls[0].Source)
		assert.Equal(t, "11.16", calls[0].Expected.StringFixed(2))
		assert.True(t, calls[0].HasExpected)

		assert.Equal(t, time.Date(2017, time.December, 12, 15, 7, 58, 0, time.UTC), calls[6].StartedAt)
		assert.False(t, calls[7].HasExpected)
	})

	t.Run("Limit", func(t *testing.T) {
		calls, err := readCallsCSV(strings.NewReader(sampleCSV), 3)
		require.NoError(t, err)
		assert.Len(t, calls, 3)
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := readCallsCSV(strings.NewReader("call_id,source\n1,99988526423\n"), 0)
		assert.Error(t, err)
	})

	t.Run("BadTime", func(t *testing.T) {
		in := "call_id,source,destination,started_at,ended_at\n1,99988526423,9993468278,yesterday,1513091576\n"
		_, err := readCallsCSV(strings.NewReader(in), 0)
		assert.Error(t, err)
	})
}

func TestReplay(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "callbill.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100)
	svc := billing.NewService(repo, c, nil, nil, billing.Options{})
	srv := api.NewServer(domain.ServerConfig{}, repo, c, nil, svc, "test")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	calls, err := readCallsCSV(strings.NewReader(sampleCSV), 0)
	require.NoError(t, err)

	client := newClient(ts.URL, 5*time.Second)
	require.NoError(t, client.checkHealth())

	metrics := replay(client, calls, 4, time.Second, false)

	assert.Equal(t, int64(8), metrics.Total)
	assert.Equal(t, int64(8), metrics.Billed)
	assert.Equal(t, int64(7), metrics.Checked)
	assert.Equal(t, int64(0), metrics.Mismatches)
	assert.Equal(t, int64(0), metrics.Errors)

	t.Run("MismatchCounted", func(t *testing.T) {
		wrong := calls[0]
		wrong.ID = 90
		wrong.Expected = wrong.Expected.Add(wrong.Expected)

		m := replay(client, []Call{wrong}, 1, time.Second, false)
		assert.Equal(t, int64(1), m.Mismatches)
	})
}
