package discover

import (
	"testing"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerofill(t *testing.T) {
	at0 := core.NewRow("time", int64(0), "count", int64(3))
	at20 := core.NewRow("time", int64(20), "count", int64(1))

	t.Run("fills missing buckets", func(t *testing.T) {
		got := Zerofill([]core.Row{at0, at20}, time.Unix(0, 0), time.Unix(25, 0), 10, nil)
		assert.Equal(t, []core.Row{at0, core.NewRow("time", int64(10)), at20}, got)
	})

	t.Run("descending order reverses the buckets", func(t *testing.T) {
		got := Zerofill([]core.Row{at0, at20}, time.Unix(0, 0), time.Unix(25, 0), 10, []string{"-time"})
		assert.Equal(t, []core.Row{at20, core.NewRow("time", int64(10)), at0}, got)
	})

	t.Run("rows of a bucket keep their order", func(t *testing.T) {
		a := core.NewRow("time", int64(10), "transaction", "a")
		b := core.NewRow("time", int64(10), "transaction", "b")
		got := Zerofill([]core.Row{b, a}, time.Unix(10, 0), time.Unix(10, 0), 10, []string{"time"})
		assert.Equal(t, []core.Row{b, a}, got)
	})

	t.Run("rows outside the range or without a time are dropped", func(t *testing.T) {
		rows := []core.Row{
			core.NewRow("time", int64(100)),
			core.NewRow("count", int64(1)),
			core.NewRow("time", int64(5)),
		}
		got := Zerofill(rows, time.Unix(0, 0), time.Unix(15, 0), 10, nil)
		assert.Equal(t, []core.Row{core.NewRow("time", int64(0)), core.NewRow("time", int64(10))}, got)
	})

	t.Run("float timestamps", func(t *testing.T) {
		row := core.NewRow("time", float64(60), "count", int64(2))
		got := Zerofill([]core.Row{row}, time.Unix(60, 0), time.Unix(60, 0), 60, nil)
		assert.Equal(t, []core.Row{row}, got)
	})

	t.Run("non positive rollup returns rows as they are", func(t *testing.T) {
		rows := []core.Row{at20, at0}
		assert.Equal(t, rows, Zerofill(rows, time.Unix(0, 0), time.Unix(25, 0), 0, nil))
	})
}

func TestZerofill_BucketCount(t *testing.T) {
	for _, tc := range []struct {
		start, end int64
		rollup     int
	}{
		{0, 0, 10},
		{3, 97, 10},
		{1_700_000_123, 1_700_086_400, 3600},
		{59, 61, 60},
	} {
		got := Zerofill(nil, time.Unix(tc.start, 0), time.Unix(tc.end, 0), tc.rollup, nil)
		step := int64(tc.rollup)
		first := tc.start / step * step
		last := tc.end/step*step + step
		require.Len(t, got, int((last-first)/step))
		for i, row := range got {
			assert.Equal(t, []string{"time"}, row.Columns)
			assert.Equal(t, first+int64(i)*step, row.Value("time"))
		}
	}
}
