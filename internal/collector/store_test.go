package collector

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReading(t *testing.T) {
	t.Parallel()

	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r, err := ParseReading([]byte(`{"device_id":"kitchen","temp1":21.5,"smoke1":120,"timestamp":61000,"note":"x","ok":true}`), received)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", r.DeviceId)
	assert.Equal(t, int64(61000), r.Uptime)
	assert.Equal(t, received, r.Received)
	assert.Equal(t, map[string]float64{"temp1": 21.5, "smoke1": 120}, r.Metrics)
	assert.Equal(t, []string{"smoke1", "temp1"}, r.Names())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"device_id":"kitchen","smoke1":120,"temp1":21.5,"uptime_ms":61000,"timestamp":"2026-01-02T03:04:05Z"}`, string(b))

	for _, input := range []string{
		``,
		`[1,2]`,
		`null`,
		`{"device_id":5,"temp1":1}`,
		`{"temp1":1}`,
		`{"device_id":" ","temp1":1}`,
	} {
		_, err := ParseReading([]byte(input), received)
		require.Error(t, err, "input=%s", input)
		assert.True(t, errors.IsNotValid(err), "input=%s err=%v", input, err)
	}
}

func putAt(t testing.TB, s *Store, at time.Time, device string, temp float64) {
	require.NoError(t, s.Put(&Reading{DeviceId: device, Received: at, Metrics: map[string]float64{"temp1": temp}}))
}

func TestStoreMemory(t *testing.T) {
	t.Parallel()

	s, err := OpenStore("")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Latest()
	assert.True(t, errors.IsNotFound(err), errors.ErrorStack(err))
	rs, err := s.Since(time.Unix(0, 0))
	require.NoError(t, err)
	assert.Len(t, rs, 0)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	putAt(t, s, t0.Add(2*time.Hour), "c", 3)
	putAt(t, s, t0, "a", 1)
	putAt(t, s, t0.Add(time.Hour), "b", 2)
	// same receive time is kept as separate reading
	putAt(t, s, t0.Add(time.Hour), "b2", 2.5)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "c", latest.DeviceId)
	assert.True(t, latest.Received.Equal(t0.Add(2*time.Hour)))

	rs, err = s.Since(t0.Add(30 * time.Minute))
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, "b", rs[0].DeviceId)
	assert.Equal(t, "b2", rs[1].DeviceId)
	assert.Equal(t, "c", rs[2].DeviceId)

	rs, err = s.Since(t0)
	require.NoError(t, err)
	assert.Len(t, rs, 4, "since is inclusive")
	assert.Equal(t, 1.0, rs[0].Metrics["temp1"])
}

func TestStoreFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "readings.db")
	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)

	s, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(&Reading{DeviceId: "d1", Received: at, Uptime: 42, Metrics: map[string]float64{"co1": 7}}))
	require.NoError(t, s.Close())

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer s.Close()
	r, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "d1", r.DeviceId)
	assert.Equal(t, int64(42), r.Uptime)
	assert.Equal(t, at.UnixNano(), r.Received.UnixNano())
	assert.Equal(t, map[string]float64{"co1": 7}, r.Metrics)
}
