package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersByResult(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveStationQuery(20*time.Millisecond, nil)
	m.ObserveStationQuery(30*time.Millisecond, errors.New("timeout"))
	m.ObserveStationQuery(10*time.Millisecond, errors.New("timeout"))
	m.IncNotification(nil)
	m.IncCommand("sub", nil)
	m.IncCommand("sub", errors.New("bad threshold"))
	m.ObservePollCycle(time.Second)
	m.SetSubscriptions(3, 1, 2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.stationQueries.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.stationQueries.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("sub", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pollCycles))
	require.Equal(t, 3.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("active")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.watchedStations))

	n, err := testutil.GatherAndCount(m.Registry, "chargewatch_station_queries_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObservePollCycle(time.Second)
	m.ObserveStationQuery(time.Second, nil)
	m.IncNotification(nil)
	m.IncCommand("ps", nil)
	m.SetSubscriptions(1, 1, 1)
}
