package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "greetbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err, "path required")
}

func TestStoresAppendAndReadRecent(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "greetbot.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			ctx := context.Background()
			base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					At:     base.Add(time.Duration(i) * time.Second),
					Kind:   "schedule.fired",
					JobID:  "42_1",
					ChatID: 42,
					Seq:    i + 1,
					Detail: "occurrence " + strconv.Itoa(i+1),
				}))
			}

			got, err := st.RecentAudit(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []int{3, 4, 5}, []int{got[0].Seq, got[1].Seq, got[2].Seq})
			assert.True(t, got[2].At.Equal(base.Add(4*time.Second)))
			assert.Equal(t, "occurrence 5", got[2].Detail)

			all, err := st.RecentAudit(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestFileStoreSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "audit.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Kind: "schedule.registered", JobID: "1_1"}))

	f, err := os.OpenFile(filepath.Join(dir, "audit.audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString(`{"kind":"sched`)
	require.NoError(t, f.Close())

	got, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1_1", got[0].JobID)

	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendAudit(ctx, AuditEntry{}), ErrClosed)
}
