package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(fmt.Errorf("serve: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}
