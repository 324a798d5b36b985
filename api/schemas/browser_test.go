package schemas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slotheather55/webspark/api/schemas"
)

func TestElementProbeSelector(t *testing.T) {
	p := schemas.ElementProbe{TempID: "3f2c7e9a-0001-4b6d-8a2f-5d1e9c7b3a21"}
	assert.Equal(t, `[data-webspark-el="3f2c7e9a-0001-4b6d-8a2f-5d1e9c7b3a21"]`, p.Selector())
}
