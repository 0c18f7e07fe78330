package utils_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/core/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInPoolKeepsOrder(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	worker := func(i int) (string, error) {
		time.Sleep(time.Duration(10-i) * time.Millisecond)
		return fmt.Sprintf("%d-%d", i, i), nil
	}

	results, err := utils.RunInPool(worker, inputs, 4)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("%d-%d", i, i), r)
	}
}

func TestRunInPoolReturnsFirstError(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	worker := func(i int) (string, error) {
		if i%4 == 3 {
			time.Sleep(time.Duration(10-i) * time.Millisecond)
			return "", fmt.Errorf("error %d", i)
		}
		return "", nil
	}

	_, err := utils.RunInPool(worker, inputs, 5)
	require.EqualError(t, err, "error 3")
}

func TestRunInPoolEmpty(t *testing.T) {
	results, err := utils.RunInPool(func(int) (int, error) { return 0, nil }, nil, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}
