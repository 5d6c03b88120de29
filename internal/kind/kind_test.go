package kind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		k    int
		want Class
	}{
		{"metadata", 0, Replaceable},
		{"text note", 1, Regular},
		{"contacts", 3, Replaceable},
		{"low replaceable bound", 10000, Replaceable},
		{"high replaceable bound", 19999, Replaceable},
		{"low ephemeral bound", 20000, Ephemeral},
		{"high ephemeral bound", 29999, Ephemeral},
		{"low addressable bound", 30000, Addressable},
		{"high addressable bound", 39999, Addressable},
		{"above addressable range", 40000, Regular},
		{"reaction", 7, Regular},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.k))
		})
	}
}

func TestIsReplaceable(t *testing.T) {
	t.Parallel()
	assert.True(t, IsReplaceable(0))
	assert.True(t, IsReplaceable(30023))
	assert.False(t, IsReplaceable(1))
	assert.False(t, IsReplaceable(20001))
}

func TestIsEphemeral(t *testing.T) {
	t.Parallel()
	assert.True(t, IsEphemeral(20001))
	assert.False(t, IsEphemeral(1))
	assert.False(t, IsEphemeral(0))
}
