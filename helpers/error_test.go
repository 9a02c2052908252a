package helpers

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))

	single := errors.NotValidf("sensor name")
	assert.True(t, errors.IsNotValid(FoldErrors([]error{nil, single})))

	err := FoldErrors([]error{fmt.Errorf("first"), nil, fmt.Errorf("second")})
	assert.EqualError(t, err, "first\nsecond")
}
