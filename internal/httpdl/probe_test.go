package httpdl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentCount(t *testing.T) {
	const mib = 1024 * 1024
	require.Equal(t, 16, segmentCount(100*mib, 16, mib))
	require.Equal(t, 10, segmentCount(10*mib, 16, mib))
	require.Equal(t, 1, segmentCount(512*1024, 16, mib))
	require.Equal(t, 1, segmentCount(0, 16, mib))
	require.Equal(t, 16, segmentCount(10*1024*mib, 16, mib))
}

func TestPartitionSegmentsContiguous(t *testing.T) {
	const mib = 1024 * 1024
	segs := PartitionSegments(100*mib, 16, mib)
	require.Len(t, segs, 16)
	require.EqualValues(t, 0, segs[0].Start)
	require.EqualValues(t, 100*mib-1, segs[len(segs)-1].End)
	for i := 0; i < len(segs)-1; i++ {
		require.Equal(t, segs[i].End+1, segs[i+1].Start)
	}
}

func TestFilenameFromContentDisposition(t *testing.T) {
	require.Equal(t, "test.zip", filenameFromContentDisposition(`attachment; filename="test.zip"`))
	require.Equal(t, "test.zip", filenameFromContentDisposition(`attachment; filename=test.zip`))
	require.Equal(t, "test file.zip", filenameFromContentDisposition(`attachment; filename*=UTF-8''test%20file.zip`))
}

func TestValidateResume(t *testing.T) {
	saved := Capabilities{ETag: `"abc"`}
	require.True(t, ValidateResume(saved, Capabilities{ETag: `"abc"`}))
	require.False(t, ValidateResume(saved, Capabilities{ETag: `"def"`}))
}
