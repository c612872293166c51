package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Brownie44l1/breed-api/internal/logging"
)

func TestCleanupRunsNewestFirst(t *testing.T) {
	var order []string
	var undo cleanup
	undo.add("model", func(context.Context) error {
		order = append(order, "model")
		return nil
	})
	undo.add("document store", func(context.Context) error {
		order = append(order, "document store")
		return nil
	})

	undo.run(context.Background(), logging.Discard())

	assert.Equal(t, []string{"document store", "model"}, order)
}

func TestCleanupContinuesAfterError(t *testing.T) {
	var closed []string
	var undo cleanup
	undo.add("model", func(context.Context) error {
		closed = append(closed, "model")
		return nil
	})
	undo.add("document store", func(context.Context) error {
		closed = append(closed, "document store")
		return errors.New("disconnect failed")
	})

	assert.NotPanics(t, func() { undo.run(context.Background(), logging.Discard()) })
	assert.Equal(t, []string{"document store", "model"}, closed)
}

func TestEmptyCleanup(t *testing.T) {
	var undo cleanup
	assert.NotPanics(t, func() { undo.run(context.Background(), logging.Discard()) })
}
