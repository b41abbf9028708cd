package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"CNNForecast/pkg/util"
)

func TestImportStart(t *testing.T) {
	now := time.Date(2026, 10, 16, 10, 17, 42, 0, time.UTC)
	def := importStart(now, 5*time.Minute, 4)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC), def, "last of 4 rows lands on 10:15")

	assert.Equal(t, def, util.ParseTimeDefault("", def))
	explicit := util.ParseTimeDefault("2026-01-02T03:04:05Z", def)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), explicit.UTC())
}
