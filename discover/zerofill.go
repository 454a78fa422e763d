package discover

import (
	"slices"
	"time"

	"github.com/INLOpen/discover/core"
)

// timeColumn is the bucket column the backend fills for rollup queries.
const timeColumn = "time"

// Zerofill returns rows with a row for every rollup bucket between start and
// end. start is rounded down and end up to a bucket boundary; buckets with
// data keep their rows in their original relative order, empty buckets get a
// synthetic {"time": bucket} row. Rows whose time is not a bucket in range
// are dropped. The output is ascending by time unless orderBy contains
// "-time". A non-positive rollup returns rows unchanged.
func Zerofill(rows []core.Row, start, end time.Time, rollup int, orderBy []string) []core.Row {
	step := int64(rollup)
	if step <= 0 {
		return rows
	}
	first := (start.Unix() / step) * step
	last := (end.Unix()/step)*step + step

	byBucket := make(map[int64][]core.Row)
	for _, row := range rows {
		ts, ok := core.Int64Value(row.Value(timeColumn))
		if !ok {
			continue
		}
		byBucket[ts] = append(byBucket[ts], row)
	}

	out := make([]core.Row, 0, int((last-first)/step))
	for key := first; key < last; key += step {
		if bucket, ok := byBucket[key]; ok {
			out = append(out, bucket...)
			continue
		}
		out = append(out, core.NewRow(timeColumn, key))
	}

	if slices.Contains(orderBy, "-"+timeColumn) {
		slices.Reverse(out)
	}
	return out
}
