package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderPathRoundTrip(t *testing.T) {
	raw, err := marshalHeaderPath([]string{"Manual", "Install"})
	require.NoError(t, err)
	assert.Equal(t, `["Manual","Install"]`, string(raw))

	path, err := unmarshalHeaderPath(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"Manual", "Install"}, path)
}

func TestMarshalHeaderPath_NilBecomesEmptyArray(t *testing.T) {
	raw, err := marshalHeaderPath(nil)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(raw))
}

func TestUnmarshalHeaderPath_EmptyColumn(t *testing.T) {
	path, err := unmarshalHeaderPath(nil)
	require.NoError(t, err)
	assert.NotNil(t, path)
	assert.Empty(t, path)
}

func TestUnmarshalHeaderPath_Invalid(t *testing.T) {
	_, err := unmarshalHeaderPath([]byte("{not json"))
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain error")))
	assert.False(t, isUniqueViolation(nil))
}
