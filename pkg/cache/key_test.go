package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNormalize(t *testing.T) {
	assert.Equal(t, "tiercache:users:1", NewKey("users", "1").Normalize())
	assert.Equal(t, "tiercache:users:1:v2", NewKey("users", "1").WithVersion("2").Normalize())

	// Tags never affect identity.
	a := NewKey("users", "1", "users", "admins")
	b := NewKey("users", "1", "admins", "users")
	assert.Equal(t, a.Normalize(), b.Normalize())
}

func TestKeyNormalizedTags(t *testing.T) {
	key := NewKey("users", "1", "b", "a", "b", "", "a")
	assert.Equal(t, []string{"a", "b"}, key.NormalizedTags())

	assert.Nil(t, NewKey("users", "1").NormalizedTags())
}

func TestKeyValidate(t *testing.T) {
	assert.NoError(t, NewKey("users", "1").Validate())

	var verr ValidationError
	assert.ErrorAs(t, NewKey("", "1").Validate(), &verr)
	assert.Equal(t, "namespace", verr.Field)

	assert.ErrorAs(t, NewKey("users", "").Validate(), &verr)
	assert.Equal(t, "key", verr.Field)

	assert.Error(t, NewKey("use:rs", "1").Validate())
	assert.Error(t, NewKey("use rs", "1").Validate())
}

func TestVersionBumpChangesIdentity(t *testing.T) {
	v1 := NewKey("users", "1").WithVersion("1")
	v2 := NewKey("users", "1").WithVersion("2")
	assert.NotEqual(t, v1.Normalize(), v2.Normalize())
}
