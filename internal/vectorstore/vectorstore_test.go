package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragspace/internal/errors"
)

func TestNewConstructsWithEmptyLoadedSet(t *testing.T) {
	s := New(Config{Host: "localhost", Port: "19530"})
	assert.Empty(t, s.loaded)
	assert.Equal(t, "localhost", s.cfg.Host)
}

func TestDimOfReturnsZeroForEmptyEmbeddings(t *testing.T) {
	assert.Equal(t, 0, dimOf(nil))
	assert.Equal(t, 3, dimOf([][]float32{{0.1, 0.2, 0.3}}))
}

func TestInsertRejectsMismatchedParallelArrays(t *testing.T) {
	s := New(Config{})
	err := s.Insert(context.Background(), "coll", []string{"a", "b"}, []string{"only-one"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalid))
}

func TestSearchRejectsUnloadedCollection(t *testing.T) {
	s := New(Config{})
	_, err := s.Search(context.Background(), "coll-never-loaded", []float32{0.1}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindNotFound))
}
