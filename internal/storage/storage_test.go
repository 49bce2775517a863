package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "chargewatch/pkg/logx"
)

func TestDriversAppendAndRecent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "audit", "trail."+driver)}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			ctx := context.Background()
			base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
			require.NoError(t, st.Append(ctx, Entry{At: base, Kind: KindSubscribe, SubscriptionID: "s1", StationID: "17", Target: "group:1/user:2", Threshold: 2}))
			require.NoError(t, st.Append(ctx, Entry{At: base.Add(time.Minute), Kind: KindFire, SubscriptionID: "s1", StationID: "17", FreeSlots: 3}))
			require.NoError(t, st.Append(ctx, Entry{At: base.Add(2 * time.Minute), Kind: KindDeliveryError, SubscriptionID: "s1", Error: "gateway down"}))
			require.NoError(t, st.Append(ctx, Entry{At: base.Add(3 * time.Minute), Kind: KindBroadcast, JobID: "bc:1234abcd", Target: "user:9"}))

			got, err := st.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.Equal(t, KindBroadcast, got[0].Kind)
			require.Equal(t, "bc:1234abcd", got[0].JobID)
			require.Empty(t, got[0].SubscriptionID)
			require.Equal(t, KindDeliveryError, got[1].Kind)
			require.Equal(t, "gateway down", got[1].Error)
			require.Empty(t, got[1].JobID)
			require.Equal(t, KindFire, got[2].Kind)
			require.Equal(t, 3, got[2].FreeSlots)
			require.True(t, got[2].At.Equal(base.Add(time.Minute)))

			all, err := st.Recent(ctx, 10)
			require.NoError(t, err)
			require.Len(t, all, 4)
			require.Equal(t, "17", all[3].StationID)
			require.Equal(t, 2, all[3].Threshold)
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Append(context.Background(), Entry{Kind: KindFire}))
	got, err := st.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.jsonl")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.Append(context.Background(), Entry{Kind: KindCancel}), ErrClosed)
}
