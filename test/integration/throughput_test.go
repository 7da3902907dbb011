package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// TestPoolThroughput calculates a batch of images on four elements, one of
// them faulty, and reports tiles per second.
func TestPoolThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("throughput test skipped in short mode")
	}

	p := newPool(t)
	p.addElement(t, 1, 0)
	p.addElement(t, 2, 0)
	p.addElement(t, 3, 10)
	p.addElement(t, 4, 0)
	c := p.coordinator(8, 3)

	const images = 10
	job := testJob(320, 200, 16)
	tiles, failovers := 0, 0
	start := time.Now()
	for i := 0; i < images; i++ {
		report, err := runJob(t, c, job)
		require.NoError(t, err)
		require.Equal(t, types.JobCompleted, report.Status)
		tiles += report.Counts.Completed
		failovers += len(report.Failovers)
	}
	elapsed := time.Since(start)

	t.Logf("=== Throughput Test Results ===")
	t.Logf("Images:    %d", images)
	t.Logf("Tiles:     %d", tiles)
	t.Logf("Failovers: %d", failovers)
	t.Logf("Elapsed:   %v", elapsed)
	t.Logf("Tiles/s:   %.1f", float64(tiles)/elapsed.Seconds())
	t.Logf("===============================")
	require.Equal(t, images*16, tiles)
}

func BenchmarkImage(b *testing.B) {
	p := newPool(b)
	p.addElement(b, 1, 0)
	p.addElement(b, 2, 0)
	c := p.coordinator(4, 3)
	job := testJob(256, 160, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		report, err := runJob(b, c, job)
		require.NoError(b, err)
		require.Equal(b, types.JobCompleted, report.Status)
	}
	b.StopTimer()
}
