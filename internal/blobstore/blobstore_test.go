package blobstore

import "testing"

func TestGetS3MultipartChunkSize(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want int64
	}{
		{"zero", 0, AWSMinChunkSize},
		{"small", 1, AWSMinChunkSize},
		{"exactly min", AWSMinChunkSize, AWSMinChunkSize},
		{"at part ceiling", AWSMaxMultipartCount * AWSMinChunkSize, AWSMinChunkSize},
		{"one past ceiling", AWSMaxMultipartCount*AWSMinChunkSize + 1, AWSMinChunkSize + MiB},
		{"well past ceiling", 2 * AWSMaxMultipartCount * AWSMinChunkSize, 2 * AWSMinChunkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetS3MultipartChunkSize(tt.size); got != tt.want {
				t.Errorf("GetS3MultipartChunkSize(%d) = %d, want %d", tt.size, got, tt.want)
			}
		})
	}
}

func TestGetS3MultipartChunkSizeMonotone(t *testing.T) {
	start := AWSMaxMultipartCount*AWSMinChunkSize - 3*MiB
	prev := int64(0)
	for size := start; size < start+8*MiB; size += MiB / 2 {
		got := GetS3MultipartChunkSize(size)
		if got < prev {
			t.Fatalf("chunk size decreased: f(%d) = %d < %d", size, got, prev)
		}
		prev = got
	}
}

func TestGetS3MultipartChunkSizeNeverExceedsPartCeiling(t *testing.T) {
	sizes := []int64{
		AWSMaxMultipartCount*AWSMinChunkSize + 1,
		3*AWSMaxMultipartCount*AWSMinChunkSize + 12345,
	}
	for _, size := range sizes {
		chunk := GetS3MultipartChunkSize(size)
		if parts := (size + chunk - 1) / chunk; parts > AWSMaxMultipartCount {
			t.Errorf("size %d: %d parts exceeds ceiling", size, parts)
		}
		if chunk%MiB != 0 {
			t.Errorf("size %d: chunk %d is not a whole MiB", size, chunk)
		}
	}
}

func TestNumberOfParts(t *testing.T) {
	tests := []struct {
		size, chunk, want int64
	}{
		{0, 64, 1},
		{1, 64, 1},
		{64, 64, 1},
		{65, 64, 2},
		{128, 64, 2},
		{129, 64, 3},
	}
	for _, tt := range tests {
		if got := numberOfParts(tt.size, tt.chunk); got != tt.want {
			t.Errorf("numberOfParts(%d, %d) = %d, want %d", tt.size, tt.chunk, got, tt.want)
		}
	}
}
