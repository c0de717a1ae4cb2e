package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashContent(t *testing.T) {
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", HashContent([]byte("hello")))
	assert.Equal(t, HashContent([]byte("a")), HashContent([]byte("a")))
	assert.NotEqual(t, HashContent([]byte("a")), HashContent([]byte("b")))
}

func TestIsHash(t *testing.T) {
	assert.True(t, IsHash(HashContent(nil)))
	assert.False(t, IsHash("abc"))
	assert.False(t, IsHash("2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"))
	assert.False(t, IsHash("zz"+HashContent(nil)[2:]))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"c": 3, "a": 1, "b": 2}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[string]int{}))
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "2cf24dba5fb0", ShortHash("2cf24dba5fb0a30e26e83b2ac5b9e29e"))
	assert.Equal(t, "abc", ShortHash("abc"))
}
