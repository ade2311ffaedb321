package chunkuploader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_concurrency(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		want        int
	}{
		{name: "zero uses default", concurrency: 0, want: DefaultConcurrency},
		{name: "negative uses default", concurrency: -3, want: DefaultConcurrency},
		{name: "sequential", concurrency: 1, want: 1},
		{name: "in range", concurrency: 8, want: 8},
		{name: "capped", concurrency: 100, want: MaxConcurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Config{Concurrency: tt.concurrency}.concurrency())
		})
	}
}
