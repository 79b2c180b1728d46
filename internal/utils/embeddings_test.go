package utils_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"gwi.com/chat-memory/internal/utils"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
		gt.NoError(t, err)
		gt.Bool(t, sim > 0.9999).True()
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		gt.NoError(t, err)
		gt.Value(t, sim).Equal(float32(0))
	})

	t.Run("opposite vectors", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
		gt.NoError(t, err)
		gt.Bool(t, sim < -0.9999).True()
	})

	t.Run("zero vector", func(t *testing.T) {
		sim, err := utils.CosineSimilarity([]float32{0, 0}, []float32{1, 1})
		gt.NoError(t, err)
		gt.Value(t, sim).Equal(float32(0))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := utils.CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
		gt.Error(t, err)
	})

	t.Run("empty vector", func(t *testing.T) {
		_, err := utils.CosineSimilarity(nil, []float32{1})
		gt.Error(t, err)
	})
}
