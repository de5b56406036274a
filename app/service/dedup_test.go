package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeDup(t *testing.T) {
	d := NewDeDup()
	assert.True(t, d.Add("cleanup"), "passed, first time")
	assert.False(t, d.Add("cleanup"), "failed, dup")
	assert.True(t, d.Add("download#aaaaaaaaaaaa"), "passed, different key")
	d.Remove("cleanup")
	assert.True(t, d.Add("cleanup"), "passed, removed before")
	assert.False(t, d.Add("download#aaaaaaaaaaaa"), "failed, dup")
	d.Remove("never-added") // safe
}
