package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/gridrepl/internal/txn"
)

var _ txn.IDGenerator = (*SequentialIDs)(nil)

func TestSequentialIDs_Generate(t *testing.T) {
	gen := NewSequentialIDs("batch")

	assert.Equal(t, "batch-1", gen.Generate())
	assert.Equal(t, "batch-2", gen.Generate())
	assert.Equal(t, "batch-3", gen.Generate())
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	gen := NewSequentialIDs("")
	assert.Equal(t, "tx-1", gen.Generate())
}
