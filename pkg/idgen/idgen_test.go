package idgen

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeUniqueUnderConcurrency(t *testing.T) {
	gen, err := NewSnowflake(7)
	require.NoError(t, err)

	const workers, perWorker = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := gen.NextID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestSnowflakeIDsAreNumeric(t *testing.T) {
	gen, err := NewSnowflake(1)
	require.NoError(t, err)

	_, err = strconv.ParseInt(gen.NextID(), 10, 64)
	assert.NoError(t, err)
}

func TestSnowflakeRejectsOutOfRangeNode(t *testing.T) {
	_, err := NewSnowflake(4096)
	assert.Error(t, err)
}
